// Package queue implements the durable offline event queue and the
// background processor that drains it against the backend APIs.
//
// The Store is the single source of truth for what still needs to be
// sent. Mutations are synchronous and in-memory; every mutation is
// mirrored to the durable state database best-effort, so a crash
// between a mutation and its flush can lose that mutation. That event
// is re-sent by the producer or lost; delivery is at-least-once only
// for mutations that reached disk.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	fserrors "github.com/awheeler/fieldsync/internal/errors"
	"github.com/awheeler/fieldsync/internal/state"
)

const (
	// DefaultMaxRetries is the retry budget for events enqueued without
	// an explicit override.
	DefaultMaxRetries = 3

	// baseRetryDelay and maxRetryDelay bound the capped exponential
	// backoff applied to failed events: 10s, 20s, 40s, ... up to 5m.
	baseRetryDelay = 10 * time.Second
	maxRetryDelay  = 5 * time.Minute
)

// RoleAssignment pairs a role with the user filling it on a status update.
type RoleAssignment struct {
	RoleID string `json:"roleId"`
	UserID string `json:"userId"`
}

// StatusPayload is the enqueue-time capture of a unit status change.
// GPS fields are optional; the wire contract for missing values lives
// in the API client.
type StatusPayload struct {
	UnitID           string           `json:"unitId"`
	StatusType       int              `json:"statusType"`
	Note             string           `json:"note"`
	RespondingTo     string           `json:"respondingTo"`
	Timestamp        time.Time        `json:"timestamp"`
	Roles            []RoleAssignment `json:"roles,omitempty"`
	Latitude         *float64         `json:"latitude,omitempty"`
	Longitude        *float64         `json:"longitude,omitempty"`
	Accuracy         *float64         `json:"accuracy,omitempty"`
	Altitude         *float64         `json:"altitude,omitempty"`
	AltitudeAccuracy *float64         `json:"altitudeAccuracy,omitempty"`
	Speed            *float64         `json:"speed,omitempty"`
	Heading          *float64         `json:"heading,omitempty"`
}

// LocationPayload is the enqueue-time capture of a unit location fix.
// Coordinates and Timestamp are required: every fix carries them, and
// the API client always serializes Timestamp as RFC3339. Callers must
// set it from the fix time, not leave it zero.
type LocationPayload struct {
	UnitID    string    `json:"unitId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MediaPayload is the enqueue-time capture of a media attachment upload.
// FilePath references the captured file on local disk; the content is
// read at upload time.
type MediaPayload struct {
	CallID    string   `json:"callId"`
	UserID    string   `json:"userId"`
	Note      string   `json:"note"`
	FileName  string   `json:"fileName"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	FilePath  string   `json:"filePath"`
}

// Store holds the offline event queue. All mutations go through Store
// methods under a single mutex; reads return copies.
type Store struct {
	mu        sync.Mutex
	events    []state.Event
	seq       int64
	completed int

	st     *state.State
	logger *slog.Logger
}

// NewStore creates a queue store backed by st. Events persisted from a
// previous run are restored in enqueue order; events that were caught
// mid-flight (Processing) are reset to Pending so they get re-sent.
// A nil st disables persistence (tests).
func NewStore(st *state.State, logger *slog.Logger) (*Store, error) {
	s := &Store{st: st, logger: logger}

	if st == nil {
		return s, nil
	}

	events, err := st.AllEvents()
	if err != nil {
		return nil, fmt.Errorf("restoring queued events: %w", err)
	}

	for i := range events {
		if events[i].Status == state.StatusProcessing {
			events[i].Status = state.StatusPending
			s.persist(events[i])
		}
		if events[i].Seq > s.seq {
			s.seq = events[i].Seq
		}
	}

	s.events = events
	s.completed = st.CompletedCount()

	if len(events) > 0 {
		logger.Info("restored offline queue", slog.Int("events", len(events)))
	}

	return s, nil
}

// AddEvent enqueues a new event of the given type. The payload is
// serialized immediately and never mutated afterwards. Returns the
// generated event ID.
func (s *Store) AddEvent(typ state.EventType, payload any, maxRetries int) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("serializing event payload: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev := state.Event{
		ID:         uuid.NewString(),
		Seq:        s.seq,
		Type:       typ,
		Status:     state.StatusPending,
		Payload:    data,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UnixMilli(),
	}

	s.events = append(s.events, ev)
	s.persist(ev)

	s.logger.Debug("event queued",
		slog.String("id", ev.ID),
		slog.String("type", string(typ)),
	)

	return ev.ID, nil
}

// UpdateStatus transitions an event's lifecycle state.
//
// Completed bumps the delivered counter. Failed increments the retry
// count by exactly one, records errMsg, and schedules the next retry
// with capped exponential backoff while the budget lasts; once the
// budget is exhausted the event is terminal and only an explicit retry
// re-admits it.
func (s *Store) UpdateStatus(id string, status state.Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := s.find(id)
	if ev == nil {
		return fserrors.ErrEventNotFound
	}

	ev.Status = status

	switch status {
	case state.StatusCompleted:
		s.completed++
		s.persistCompleted()

	case state.StatusFailed:
		ev.RetryCount++
		ev.Error = errMsg
		if ev.RetryCount < ev.MaxRetries {
			ev.NextRetryAt = time.Now().Add(retryDelay(ev.RetryCount)).UnixMilli()
		} else {
			ev.NextRetryAt = 0
			s.logger.Warn("event exhausted retries",
				slog.String("id", ev.ID),
				slog.String("type", string(ev.Type)),
				slog.String("error", errMsg),
			)
		}
	}

	s.persist(*ev)

	return nil
}

// RetryEvent resets a failed event to Pending, clearing its error and
// retry schedule. The retry count is deliberately kept, so an event
// past its budget fails terminally again after one more attempt.
func (s *Store) RetryEvent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := s.find(id)
	if ev == nil {
		return fserrors.ErrEventNotFound
	}

	s.readmit(ev)

	return nil
}

// RetryAllFailed re-admits every failed event to automatic processing.
func (s *Store) RetryAllFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.events {
		if s.events[i].Status == state.StatusFailed {
			s.readmit(&s.events[i])
			n++
		}
	}

	return n
}

// PendingEvents returns the events eligible for automatic processing:
// Pending events plus Failed events that still have retry budget and
// whose backoff delay has elapsed. Terminal events are excluded.
func (s *Store) PendingEvents() []state.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	var ready []state.Event
	for _, ev := range s.events {
		switch {
		case ev.Status == state.StatusPending:
			ready = append(ready, ev)
		case ev.Status == state.StatusFailed && ev.RetryCount < ev.MaxRetries && now >= ev.NextRetryAt:
			ready = append(ready, ev)
		}
	}

	return ready
}

// FailedEvents returns terminally failed events (retry budget
// exhausted), for surfacing to the operator.
func (s *Store) FailedEvents() []state.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []state.Event
	for _, ev := range s.events {
		if ev.Status == state.StatusFailed && ev.RetryCount >= ev.MaxRetries {
			failed = append(failed, ev)
		}
	}

	return failed
}

// Events returns a snapshot of the whole queue in enqueue order.
func (s *Store) Events() []state.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]state.Event, len(s.events))
	copy(out, s.events)

	return out
}

// RemoveEvent deletes a single event from the queue.
func (s *Store) RemoveEvent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if s.events[i].ID == id {
			s.events = append(s.events[:i], s.events[i+1:]...)
			s.persistDelete(id)

			return nil
		}
	}

	return fserrors.ErrEventNotFound
}

// ClearCompleted removes completed events from the queue.
func (s *Store) ClearCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.Status == state.StatusCompleted {
			s.persistDelete(ev.ID)
			n++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept

	return n
}

// ClearAll empties the queue and zeroes the delivered counter.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = nil
	s.completed = 0
	s.persistCompleted()

	if s.st != nil {
		if err := s.st.ClearEvents(); err != nil {
			s.logger.Warn("failed to clear persisted queue", slog.String("error", err.Error()))
		}
	}
}

// CompletedCount returns the number of events delivered since the last
// full clear.
func (s *Store) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.completed
}

// find returns a pointer into the live slice; callers hold s.mu.
func (s *Store) find(id string) *state.Event {
	for i := range s.events {
		if s.events[i].ID == id {
			return &s.events[i]
		}
	}

	return nil
}

// readmit resets an event to Pending; callers hold s.mu.
func (s *Store) readmit(ev *state.Event) {
	ev.Status = state.StatusPending
	ev.Error = ""
	ev.NextRetryAt = 0
	s.persist(*ev)

	s.logger.Info("event re-admitted for retry",
		slog.String("id", ev.ID),
		slog.Int("retry_count", ev.RetryCount),
	)
}

// persist mirrors an event to the durable store. Failures are logged,
// not returned: the in-memory queue stays authoritative for this run.
func (s *Store) persist(ev state.Event) {
	if s.st == nil {
		return
	}

	if err := s.st.SaveEvent(ev); err != nil {
		s.logger.Warn("failed to persist event",
			slog.String("id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) persistDelete(id string) {
	if s.st == nil {
		return
	}

	if err := s.st.DeleteEvent(id); err != nil {
		s.logger.Warn("failed to delete persisted event",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) persistCompleted() {
	if s.st == nil {
		return
	}

	if err := s.st.SetCompletedCount(s.completed); err != nil {
		s.logger.Warn("failed to persist completed counter", slog.String("error", err.Error()))
	}
}

// retryDelay returns the backoff before attempt retryCount+1:
// 10s after the first failure, doubling per failure, capped at 5m.
func retryDelay(retryCount int) time.Duration {
	d := baseRetryDelay << (retryCount - 1)
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}

	return d
}
