package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for short-lived correlation identifiers.
func NewID() string {
	return ulid.Make().String()
}

// NewJobID generates a random UUID for a job. Job ids are never reused, so a
// retry always gets a fresh one.
func NewJobID() string {
	return uuid.NewString()
}
