// Package jobstore holds the live job table and the completed-job history
// cache, and keeps both consistent across instances through a replication
// channel.
package jobstore

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/quire/internal/fanout"
	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/replication"
	"github.com/seantiz/quire/internal/store"
)

// DefaultHistoryPageSize is how many history items the cache holds.
const DefaultHistoryPageSize = 50

// reloadTimeout bounds a history reload triggered by another instance.
const reloadTimeout = 10 * time.Second

// Origin records where a mutation came from. Only local mutations are
// published, so an applied replicated change is never broadcast again.
type Origin int

const (
	OriginLocal Origin = iota
	OriginReplicated
)

func (o Origin) String() string {
	if o == OriginReplicated {
		return "replicated"
	}
	return "local"
}

// EventType describes a change observers are told about.
type EventType string

// Event types.
const (
	EventJobAdded       EventType = "job_added"
	EventJobUpdated     EventType = "job_updated"
	EventJobRemoved     EventType = "job_removed"
	EventHistoryChanged EventType = "history_changed"
)

// Event is delivered to observers after the table changes.
type Event struct {
	Type   EventType  `json:"type"`
	JobID  string     `json:"job_id,omitempty"`
	Job    *model.Job `json:"job,omitempty"`
	Origin string     `json:"origin"`
}

// Options configures a Store.
type Options struct {
	HistoryPageSize int
	Logger          *slog.Logger
}

// Store is the single source of truth for job state in this process.
type Store struct {
	durable  store.Durable
	ch       replication.Channel
	logger   *slog.Logger
	pageSize int

	mu      sync.RWMutex
	jobs    map[string]model.Job
	removed map[string]struct{}
	history []model.HistoryItem

	events *fanout.Fanout[Event]

	stop context.CancelFunc
	done chan struct{}
}

// New creates a Store over durable storage and a replication channel.
// Call Start to begin applying changes from other instances.
func New(durable store.Durable, ch replication.Channel, opts Options) *Store {
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = DefaultHistoryPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		durable:  durable,
		ch:       ch,
		logger:   opts.Logger,
		pageSize: opts.HistoryPageSize,
		jobs:     make(map[string]model.Job),
		removed:  make(map[string]struct{}),
		events:   fanout.New[Event](0),
	}
}

// Start subscribes to the replication channel and applies incoming messages
// until ctx ends or Close is called.
func (s *Store) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	s.done = make(chan struct{})
	msgs, unsubscribe := s.ch.Subscribe()

	go func() {
		defer close(s.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				s.apply(ctx, m)
			}
		}
	}()
}

// Close stops the replication loop and closes observer subscriptions.
func (s *Store) Close() {
	if s.stop != nil {
		s.stop()
		<-s.done
	}
	s.events.Close()
}

// Subscribe returns a stream of table changes.
func (s *Store) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}

// AddJob inserts job, or merges it into an existing job with the same id.
func (s *Store) AddJob(job model.Job) model.Job {
	j, _ := s.add(job, OriginLocal)
	return j
}

// UpdateJob applies p to job id. It reports false if the job is unknown.
func (s *Store) UpdateJob(id string, p model.JobPatch) (model.Job, bool) {
	return s.update(id, p, OriginLocal)
}

// RemoveJob drops job id. It reports false if the job is unknown.
func (s *Store) RemoveJob(id string) bool {
	return s.remove(id, OriginLocal)
}

// Job returns the current state of job id.
func (s *Store) Job(id string) (model.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Jobs returns every live job ordered by creation time.
func (s *Store) Jobs() []model.Job {
	s.mu.RLock()
	jobs := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b model.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return jobs
}

func (s *Store) add(job model.Job, origin Origin) (model.Job, bool) {
	s.mu.Lock()
	if _, gone := s.removed[job.ID]; gone {
		s.mu.Unlock()
		return job, false
	}
	next := job
	if cur, ok := s.jobs[job.ID]; ok {
		next = cur.Merge(job)
		if next == cur {
			s.mu.Unlock()
			return cur, false
		}
	}
	s.jobs[job.ID] = next
	n := len(s.jobs)
	s.mu.Unlock()

	jobsGauge.Set(float64(n))
	s.emit(Event{Type: EventJobAdded, JobID: next.ID, Job: &next}, origin)
	if origin == OriginLocal {
		s.publish(replication.Message{Type: replication.TypeAdd, JobID: next.ID, Job: &next})
	}
	return next, true
}

func (s *Store) update(id string, p model.JobPatch, origin Origin) (model.Job, bool) {
	s.mu.Lock()
	cur, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return model.Job{}, false
	}
	next := cur.Apply(p)
	if next == cur {
		s.mu.Unlock()
		return cur, true
	}
	s.jobs[id] = next
	s.mu.Unlock()

	s.emit(Event{Type: EventJobUpdated, JobID: id, Job: &next}, origin)
	if origin == OriginLocal {
		s.publish(replication.Message{Type: replication.TypeUpdate, JobID: id, Patch: &p})
	}
	return next, true
}

func (s *Store) remove(id string, origin Origin) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	// The tombstone makes late ADD or UPDATE messages for id no-ops.
	s.removed[id] = struct{}{}
	n := len(s.jobs)
	s.mu.Unlock()

	if !ok {
		return false
	}
	jobsGauge.Set(float64(n))
	s.emit(Event{Type: EventJobRemoved, JobID: id}, origin)
	if origin == OriginLocal {
		s.publish(replication.Message{Type: replication.TypeRemove, JobID: id})
	}
	return true
}

// apply folds a message from another instance into the table.
func (s *Store) apply(ctx context.Context, m replication.Message) {
	replicationMessages.WithLabelValues("received", string(m.Type)).Inc()

	switch m.Type {
	case replication.TypeAdd:
		if m.Job == nil {
			s.logger.Warn("ADD message without job", "origin", m.Origin)
			return
		}
		s.add(*m.Job, OriginReplicated)
	case replication.TypeUpdate:
		if m.Patch == nil {
			s.logger.Warn("UPDATE message without patch", "origin", m.Origin, "job_id", m.JobID)
			return
		}
		if _, ok := s.update(m.JobID, *m.Patch, OriginReplicated); !ok {
			s.logger.Debug("UPDATE for unknown job", "origin", m.Origin, "job_id", m.JobID)
		}
	case replication.TypeRemove:
		s.remove(m.JobID, OriginReplicated)
	case replication.TypeHistoryChanged:
		ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
		defer cancel()
		if err := s.reloadHistory(ctx, OriginReplicated); err != nil {
			s.logger.Warn("reload history after remote change", "origin", m.Origin, "error", err)
		}
	default:
		s.logger.Warn("unknown replication message", "type", m.Type, "origin", m.Origin)
	}
}

func (s *Store) publish(m replication.Message) {
	replicationMessages.WithLabelValues("sent", string(m.Type)).Inc()
	if err := s.ch.Publish(m); err != nil {
		s.logger.Warn("publish replication message", "type", m.Type, "job_id", m.JobID, "error", err)
	}
}

func (s *Store) emit(e Event, origin Origin) {
	e.Origin = origin.String()
	s.events.Publish(e)
}
