package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

// --- Subscribe / Publish ---

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	b := NewBus()

	var a, c []byte
	b.Subscribe("callAdded", func(p json.RawMessage) { a = p })
	b.Subscribe("callAdded", func(p json.RawMessage) { c = p })

	b.Publish("callAdded", json.RawMessage(`{"id":"c1"}`))

	assert.JSONEq(t, `{"id":"c1"}`, string(a))
	assert.JSONEq(t, `{"id":"c1"}`, string(c))
}

func TestBus_MethodsAreIsolated(t *testing.T) {
	b := NewBus()

	calls := 0
	b.Subscribe("callAdded", func(json.RawMessage) { calls++ })

	b.Publish("callClosed", json.RawMessage(`{}`))
	assert.Zero(t, calls)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()

	calls := 0
	off := b.Subscribe("callAdded", func(json.RawMessage) { calls++ })

	b.Publish("callAdded", json.RawMessage(`{}`))
	off()
	off() // safe to call twice
	b.Publish("callAdded", json.RawMessage(`{}`))

	assert.Equal(t, 1, calls)
	assert.Zero(t, b.SubscriberCount("callAdded"))
}

func TestBus_PublishWithoutSubscribersIsNoOp(t *testing.T) {
	b := NewBus()
	b.Publish("callAdded", json.RawMessage(`{}`))
}

// Two buses with the same method name never cross-deliver; the manager
// keys one bus per hub for exactly this reason.
func TestBus_SeparateBusesDoNotCrossDeliver(t *testing.T) {
	units := NewBus()
	geo := NewBus()

	unitCalls := 0
	units.Subscribe("onMessage", func(json.RawMessage) { unitCalls++ })

	geo.Publish("onMessage", json.RawMessage(`{}`))
	assert.Zero(t, unitCalls)
}
