package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.fieldsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	queueBucket = []byte("queue")

	tokenKey          = []byte("token")
	refreshTokenKey   = []byte("refresh_token")
	completedCountKey = []byte("completed_count")
)

// Status is the lifecycle state of a queued event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// EventType identifies the payload shape and network handler for an event.
type EventType string

const (
	EventUnitStatus   EventType = "unit_status"
	EventUnitLocation EventType = "unit_location"
	EventMediaUpload  EventType = "media_upload"
)

// Event is the durable record of a not-yet-confirmed backend mutation.
// Payload is captured at enqueue time and never mutated afterwards.
// NextRetryAt is epoch milliseconds, set only while the event is Failed
// with retries remaining.
type Event struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Type        EventType       `json:"type"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	CreatedAt   int64           `json:"createdAt"`
	Error       string          `json:"error,omitempty"`
	NextRetryAt int64           `json:"nextRetryAt,omitempty"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.fieldsync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(queueBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached access token, or empty string.
func (s *State) Token() string {
	return s.appValue(tokenKey)
}

// SetToken persists the access token.
func (s *State) SetToken(token string) error {
	return s.setAppValue(tokenKey, token)
}

// RefreshToken returns the cached refresh token, or empty string.
func (s *State) RefreshToken() string {
	return s.appValue(refreshTokenKey)
}

// SetRefreshToken persists the refresh token.
func (s *State) SetRefreshToken(token string) error {
	return s.setAppValue(refreshTokenKey, token)
}

// CompletedCount returns the number of events delivered since the
// counter was last reset.
func (s *State) CompletedCount() int {
	v := s.appValue(completedCountKey)
	if v == "" {
		return 0
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}

	return n
}

// SetCompletedCount persists the completed-event counter.
func (s *State) SetCompletedCount(n int) error {
	return s.setAppValue(completedCountKey, strconv.Itoa(n))
}

// SaveEvent persists a queued event, overwriting any prior record with
// the same ID.
func (s *State) SaveEvent(ev Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}

		return tx.Bucket(queueBucket).Put([]byte(ev.ID), data)
	})
}

// DeleteEvent removes a queued event by ID. Deleting a missing event
// is not an error.
func (s *State) DeleteEvent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete([]byte(id))
	})
}

// AllEvents returns every persisted event in enqueue order.
func (s *State) AllEvents() ([]Event, error) {
	var events []Event

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}

			events = append(events, ev)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// bbolt iterates in key (ID) order; restore enqueue order.
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	return events, nil
}

// ClearEvents removes every persisted event.
func (s *State) ClearEvents() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(queueBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(queueBucket)

		return err
	})
}

func (s *State) appValue(key []byte) string {
	var val string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(key)
		if v != nil {
			val = string(v)
		}

		return nil
	})

	return val
}

func (s *State) setAppValue(key []byte, val string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, []byte(val))
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing session tokens) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".fieldsync", "state.db")
}
