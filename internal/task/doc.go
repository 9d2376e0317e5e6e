// Package task defines the typed units of work accepted by the worker pool.
// Each Kind has exactly one payload type, and payloads are validated before
// they reach an execution unit so a unit never sees a malformed request.
package task
