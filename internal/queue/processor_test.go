package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awheeler/fieldsync/internal/logging"
	"github.com/awheeler/fieldsync/internal/observe"
	"github.com/awheeler/fieldsync/internal/state"
)

// fakeSubmitters counts calls and fails on demand.
type fakeSubmitters struct {
	mu        sync.Mutex
	statuses  []StatusPayload
	locations []LocationPayload
	uploads   []MediaPayload
	failWith  error
}

func (f *fakeSubmitters) SubmitStatus(_ context.Context, p StatusPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.statuses = append(f.statuses, p)
	return nil
}

func (f *fakeSubmitters) SubmitLocation(_ context.Context, p LocationPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.locations = append(f.locations, p)
	return nil
}

func (f *fakeSubmitters) UploadMedia(_ context.Context, p MediaPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.uploads = append(f.uploads, p)
	return nil
}

func (f *fakeSubmitters) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statuses)
}

func online() *observe.Value[observe.Connectivity] {
	return observe.NewValue(observe.Connectivity{Connected: true, Reachable: true})
}

func newTestProcessor(t *testing.T, conn *observe.Value[observe.Connectivity]) (*Processor, *Store, *fakeSubmitters) {
	t.Helper()
	store := memStore(t)
	fake := &fakeSubmitters{}
	subs := Submitters{Status: fake, Location: fake, Media: fake}
	return NewProcessor(store, conn, subs, logging.Discard()), store, fake
}

// --- Start / Stop ---

func TestStart_Idempotent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, store, fake := newTestProcessor(t, online())
		addStatus(t, store, 0)

		p.Start(t.Context())
		p.Start(t.Context()) // no-op, still one scheduler
		defer p.Stop()

		synctest.Wait()
		assert.Equal(t, 1, fake.statusCount())
		assert.True(t, p.Running())

		// A second scheduler would double-process the next event on the
		// shared ticker edge; one more event over one interval must be
		// delivered exactly once.
		addStatus(t, store, 0)
		time.Sleep(processInterval)
		synctest.Wait()
		assert.Equal(t, 2, fake.statusCount())
	})
}

func TestStop_Idempotent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, _, _ := newTestProcessor(t, online())
		p.Start(t.Context())
		p.Stop()
		p.Stop()
		assert.False(t, p.Running())
	})
}

func TestStop_HaltsTicker(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, store, fake := newTestProcessor(t, online())
		p.Start(t.Context())
		synctest.Wait()
		p.Stop()

		addStatus(t, store, 0)
		time.Sleep(3 * processInterval)
		synctest.Wait()
		assert.Equal(t, 0, fake.statusCount())
	})
}

// --- Connectivity gating ---

func TestProcessPass_SkippedWhileOffline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := observe.NewValue(observe.Connectivity{Connected: false, Reachable: false})
		p, store, fake := newTestProcessor(t, conn)
		addStatus(t, store, 0)

		p.Start(t.Context())
		defer p.Stop()

		time.Sleep(processInterval)
		synctest.Wait()

		// No event mutated, nothing dispatched.
		assert.Equal(t, 0, fake.statusCount())
		assert.Equal(t, state.StatusPending, store.Events()[0].Status)
		assert.Equal(t, 0, store.Events()[0].RetryCount)
	})
}

func TestProcessPass_ResumesWhenBackOnline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		conn := observe.NewValue(observe.Connectivity{Connected: true, Reachable: false})
		p, store, fake := newTestProcessor(t, conn)
		addStatus(t, store, 0)

		p.Start(t.Context())
		defer p.Stop()
		synctest.Wait()
		assert.Equal(t, 0, fake.statusCount())

		conn.Set(observe.Connectivity{Connected: true, Reachable: true})
		time.Sleep(processInterval)
		synctest.Wait()
		assert.Equal(t, 1, fake.statusCount())
	})
}

// --- Dispatch outcomes ---

func TestProcessEvent_SuccessCompletesAndPrunes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, store, fake := newTestProcessor(t, online())
		addStatus(t, store, 0)

		p.Start(t.Context())
		defer p.Stop()
		synctest.Wait()

		require.Equal(t, 1, fake.statusCount())
		require.Len(t, store.Events(), 1)
		assert.Equal(t, state.StatusCompleted, store.Events()[0].Status)
		assert.Equal(t, 1, store.CompletedCount())

		// Pruned after the grace delay, not before.
		time.Sleep(completedRemoveDelay)
		synctest.Wait()
		assert.Empty(t, store.Events())
	})
}

func TestProcessEvent_FailureMarksFailed(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, store, fake := newTestProcessor(t, online())
		fake.failWith = fmt.Errorf("status API returned 500")
		addStatus(t, store, 0)

		p.Start(t.Context())
		defer p.Stop()
		synctest.Wait()

		events := store.Events()
		require.Len(t, events, 1)
		assert.Equal(t, state.StatusFailed, events[0].Status)
		assert.Equal(t, 1, events[0].RetryCount)
		assert.Equal(t, "status API returned 500", events[0].Error)
	})
}

func TestProcessPass_PartialFailureIsIndependent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, store, _ := newTestProcessor(t, online())

		failing := &fakeSubmitters{failWith: fmt.Errorf("boom")}
		working := &fakeSubmitters{}
		p.subs = Submitters{Status: failing, Location: working, Media: working}

		badID, err := store.AddEvent(state.EventUnitStatus, StatusPayload{UnitID: "u1"}, 3)
		require.NoError(t, err)
		goodID, err := store.AddEvent(state.EventUnitLocation, LocationPayload{UnitID: "u1", Latitude: 1, Longitude: 2}, 3)
		require.NoError(t, err)

		p.Start(t.Context())
		defer p.Stop()
		synctest.Wait()

		var bad, good state.Event
		for _, ev := range store.Events() {
			switch ev.ID {
			case badID:
				bad = ev
			case goodID:
				good = ev
			}
		}
		assert.Equal(t, state.StatusFailed, bad.Status)
		assert.Equal(t, state.StatusCompleted, good.Status)
	})
}

func TestProcessPass_BatchCappedAtThree(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, store, fake := newTestProcessor(t, online())
		for i := 0; i < 5; i++ {
			addStatus(t, store, 0)
		}

		p.Start(t.Context())
		defer p.Stop()
		synctest.Wait()

		assert.Equal(t, 3, fake.statusCount())

		time.Sleep(processInterval)
		synctest.Wait()
		assert.Equal(t, 5, fake.statusCount())
	})
}

func TestDispatch_UnknownTypeFails(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, store, _ := newTestProcessor(t, online())
		_, err := store.AddEvent(state.EventType("bogus"), struct{}{}, 1)
		require.NoError(t, err)

		p.Start(t.Context())
		defer p.Stop()
		synctest.Wait()

		events := store.Events()
		require.Len(t, events, 1)
		assert.Equal(t, state.StatusFailed, events[0].Status)
		assert.Contains(t, events[0].Error, "unknown event type")
	})
}

// --- ProcessNow ---

func TestProcessNow_TriggersImmediatePass(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, store, fake := newTestProcessor(t, online())

		p.Start(t.Context())
		defer p.Stop()
		synctest.Wait()

		addStatus(t, store, 0)
		p.ProcessNow()
		synctest.Wait()

		assert.Equal(t, 1, fake.statusCount())
	})
}

// --- Failed events retried on later passes ---

func TestProcessor_RetriesAfterBackoff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		p, store, fake := newTestProcessor(t, online())
		fake.failWith = fmt.Errorf("flaky")
		addStatus(t, store, 3)

		p.Start(t.Context())
		defer p.Stop()
		synctest.Wait()

		require.Equal(t, 1, store.Events()[0].RetryCount)

		// Heal the network call; the event becomes ready 10s after the
		// failure and the next tick picks it up.
		fake.mu.Lock()
		fake.failWith = nil
		fake.mu.Unlock()

		time.Sleep(processInterval)
		synctest.Wait()
		time.Sleep(processInterval)
		synctest.Wait()

		assert.Equal(t, 1, fake.statusCount())
	})
}
