package sink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barstream/internal/model"
)

func startedDispatcher(t *testing.T, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, d.Start(ctx))
	return d
}

func waitForUpdate(t *testing.T, sub *Subscriber) Update {
	t.Helper()
	select {
	case u := <-sub.Updates():
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func Test_Dispatcher_SubscribeBeforeStart(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	_, err := d.Subscribe(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")
}

func Test_Dispatcher_StartTwice(t *testing.T) {
	d := startedDispatcher(t, DispatcherConfig{})
	err := d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func Test_Dispatcher_MaxSeriesLimit(t *testing.T) {
	d := startedDispatcher(t, DispatcherConfig{MaxSeriesAllowed: 2})

	_, err := d.Subscribe([]string{"a", "b", "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum allowed")

	_, err = d.Subscribe([]string{"a", "b"})
	assert.NoError(t, err)
}

func Test_Dispatcher_DeliversToInterestedSubscribers(t *testing.T) {
	d := startedDispatcher(t, DispatcherConfig{})

	all, err := d.Subscribe(nil)
	require.NoError(t, err)
	onlyA, err := d.Subscribe([]string{"a"})
	require.NoError(t, err)

	// Give the dispatch goroutine a moment to register both.
	time.Sleep(50 * time.Millisecond)

	d.AppendLast("a", model.ValuePoint(0, 1))
	d.AppendLast("b", model.ValuePoint(0, 2))

	first := waitForUpdate(t, all)
	second := waitForUpdate(t, all)
	assert.Equal(t, "a", first.SeriesID)
	assert.Equal(t, "b", second.SeriesID)

	got := waitForUpdate(t, onlyA)
	assert.Equal(t, "a", got.SeriesID)
	select {
	case extra := <-onlyA.Updates():
		t.Fatalf("unexpected update for %s", extra.SeriesID)
	case <-time.After(100 * time.Millisecond):
	}
}

func Test_Dispatcher_ReplaceAllFlagsReplace(t *testing.T) {
	d := startedDispatcher(t, DispatcherConfig{})

	sub, err := d.Subscribe(nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	points := []model.Point{model.ValuePoint(0, 1), model.ValuePoint(60_000, 2)}
	d.ReplaceAll("a", points)

	got := waitForUpdate(t, sub)
	assert.True(t, got.Replace)
	assert.Equal(t, points, got.Points)

	d.AppendLast("a", model.ValuePoint(120_000, 3))
	got = waitForUpdate(t, sub)
	assert.False(t, got.Replace)
	require.Len(t, got.Points, 1)
}

func Test_Dispatcher_SlowSubscriberDropsOldest(t *testing.T) {
	d := startedDispatcher(t, DispatcherConfig{})

	sub, err := d.Subscribe(nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// Overflow the per-client buffer without reading.
	total := cap(sub.ch) + 10
	for i := 0; i < total; i++ {
		d.AppendLast(fmt.Sprintf("s%d", i), model.ValuePoint(int64(i), float64(i)))
	}
	time.Sleep(100 * time.Millisecond)

	// The newest update must have landed; the oldest were sacrificed.
	received := make([]string, 0, cap(sub.ch))
	for len(sub.ch) > 0 {
		received = append(received, (<-sub.ch).SeriesID)
	}
	require.NotEmpty(t, received)
	assert.Equal(t, fmt.Sprintf("s%d", total-1), received[len(received)-1])
	assert.NotEqual(t, "s0", received[0], "oldest update dropped for the slow client")
}

// The drop-oldest path must stay non-blocking even when the client drains its
// buffer concurrently with the dispatch deciding to drop.
func Test_Dispatcher_DropOldestNeverBlocks(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	sub := &Subscriber{id: 1, ch: make(chan Update, 2)}
	d.subscribers[sub.id] = sub

	sub.ch <- Update{SeriesID: "a"}
	sub.ch <- Update{SeriesID: "b"}

	drained := make(chan struct{})
	go func() {
		<-sub.ch
		<-sub.ch
		close(drained)
	}()

	done := make(chan struct{})
	go func() {
		d.dispatch(Update{SeriesID: "c"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked on a drained subscriber")
	}
	<-drained
}

func Test_Dispatcher_UnsubscribeClosesChannel(t *testing.T) {
	d := startedDispatcher(t, DispatcherConfig{})

	sub, err := d.Subscribe(nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, d.Unsubscribe(sub))

	select {
	case _, open := <-sub.Updates():
		assert.False(t, open, "channel must close on unsubscribe")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func Test_Dispatcher_ShutdownClosesSubscribers(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))

	sub, err := d.Subscribe(nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case _, open := <-sub.Updates():
		assert.False(t, open, "channel must close on shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}
