package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToEveryTap(t *testing.T) {
	b := New()
	a := b.Tap()
	c := b.Tap()

	b.Publish(Event{Kind: "iteration_start"})

	select {
	case e := <-a:
		assert.Equal(t, "iteration_start", e.Kind)
		assert.NotEmpty(t, e.ID, "Publish assigns an ID when the caller leaves it blank")
	case <-time.After(time.Second):
		t.Fatal("tap a never received the event")
	}
	select {
	case e := <-c:
		assert.Equal(t, "iteration_start", e.Kind)
	case <-time.After(time.Second):
		t.Fatal("tap c never received the event")
	}
}

func TestPublish_NeverBlocksOnAFullTap(t *testing.T) {
	b := New()
	full := b.Tap()
	for i := 0; i < tapBufSize; i++ {
		b.Publish(Event{Kind: "filler"})
	}

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: "one_more"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full tap buffer")
	}

	// Drain one slot; the dropped "one_more" event is gone, not queued.
	first := <-full
	assert.Equal(t, "filler", first.Kind)
}

func TestClose_EndsRangeOverTap(t *testing.T) {
	b := New()
	tap := b.Tap()
	b.Publish(Event{Kind: "x"})
	b.Close()

	var got []Event
	for e := range tap {
		got = append(got, e)
	}
	require.Len(t, got, 1, "events published before Close must still drain")
}

func TestPublish_PreservesCallerSuppliedID(t *testing.T) {
	b := New()
	tap := b.Tap()
	b.Publish(Event{ID: "fixed-id", Kind: "x"})
	e := <-tap
	require.Equal(t, "fixed-id", e.ID)
}
