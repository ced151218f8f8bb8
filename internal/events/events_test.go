package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishToSessionOnly(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe("s1")
	defer cancelA()
	b, cancelB := h.Subscribe("s2")
	defer cancelB()

	n := h.Publish("s1", New(MessageStream, map[string]any{"text": "hi"}))
	assert.Equal(t, 1, n)

	ev := <-a
	assert.Equal(t, MessageStream, ev.Name)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "hi", ev.Data["text"])
	assert.Empty(t, b)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("s1")
	assert.Equal(t, 1, h.Subscribers("s1"))
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, h.Subscribers("s1"))
	assert.Zero(t, h.Publish("s1", New(Error, nil)))
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("s1")
	defer cancel()
	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish("s1", New(MessageStream, nil))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestHub_EmitterTagsRequest(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("s1")
	defer cancel()
	h.Emitter("s1", "r1")(New(MessageThinking, map[string]any{"thinking": true}))
	ev := <-ch
	assert.Equal(t, "r1", ev.RequestID)
	require.NotNil(t, ev.Data)
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("s1")
	h.Close()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.Subscribe("s2")
	_, ok = <-late
	assert.False(t, ok)
}
