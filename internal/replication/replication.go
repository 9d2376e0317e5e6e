// Package replication carries job-table changes between instances that share
// a device. Delivery is best effort: a message reaches every other live
// instance at most once and is never echoed to its sender.
package replication

import (
	"sync"

	"github.com/seantiz/quire/internal/fanout"
	"github.com/seantiz/quire/internal/model"
)

// Type identifies what a message changes.
type Type string

// Message types.
const (
	TypeAdd            Type = "ADD"
	TypeUpdate         Type = "UPDATE"
	TypeRemove         Type = "REMOVE"
	TypeHistoryChanged Type = "HISTORY_CHANGED"
)

// Message is one replicated change. HISTORY_CHANGED carries no data: the
// receiver reloads history from durable storage.
type Message struct {
	Type   Type            `json:"type"`
	Origin string          `json:"origin"`
	JobID  string          `json:"job_id,omitempty"`
	Job    *model.Job      `json:"job,omitempty"`
	Patch  *model.JobPatch `json:"patch,omitempty"`
}

// Channel is a broadcast link to the other instances.
type Channel interface {
	// Publish sends m to every other instance. It does not wait for delivery.
	Publish(m Message) error
	// Subscribe returns messages published by other instances.
	Subscribe() (<-chan Message, func())
	Close() error
}

// inboxSize is the per-subscriber buffer. Messages beyond it are dropped.
const inboxSize = 256

// Hub links channels inside one process.
type Hub struct {
	mu      sync.Mutex
	members map[*member]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[*member]struct{})}
}

// Join returns a channel for instanceID attached to the hub.
func (h *Hub) Join(instanceID string) Channel {
	m := &member{hub: h, id: instanceID, inbox: fanout.New[Message](inboxSize)}
	h.mu.Lock()
	h.members[m] = struct{}{}
	h.mu.Unlock()
	return m
}

type member struct {
	hub   *Hub
	id    string
	inbox *fanout.Fanout[Message]
}

func (m *member) Publish(msg Message) error {
	msg.Origin = m.id

	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	if _, ok := m.hub.members[m]; !ok {
		return ErrClosed
	}
	for peer := range m.hub.members {
		if peer != m {
			peer.inbox.Publish(msg)
		}
	}
	return nil
}

func (m *member) Subscribe() (<-chan Message, func()) {
	return m.inbox.Subscribe()
}

func (m *member) Close() error {
	m.hub.mu.Lock()
	delete(m.hub.members, m)
	m.hub.mu.Unlock()
	m.inbox.Close()
	return nil
}
