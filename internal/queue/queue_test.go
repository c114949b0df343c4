package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/bookfetch/internal/logging"
	"github.com/shinji-kodama/bookfetch/internal/model"
)

func newTestManager() *Manager {
	m := NewManager()
	m.SetLogger(logging.Discard())
	return m
}

func filenames(items []model.QueueItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Filename
	}
	return out
}

func TestAdd(t *testing.T) {
	m := newTestManager()
	item := m.Add("Bsk", "Frank Herbert - Dune.epub")

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, "!Bsk Frank Herbert - Dune.epub", item.Command)
	assert.Equal(t, model.StatusPending, item.Status)
	assert.Equal(t, 1, m.Size())
	assert.False(t, m.IsEmpty())
}

func TestPeekNext_DoesNotRemove(t *testing.T) {
	m := newTestManager()
	_, ok := m.PeekNext()
	assert.False(t, ok)

	m.Add("a", "one.epub")
	m.Add("b", "two.epub")

	item, ok := m.PeekNext()
	require.True(t, ok)
	assert.Equal(t, "one.epub", item.Filename)
	assert.Equal(t, model.StatusDownloading, item.Status)
	assert.Equal(t, 2, m.Size())
	assert.Equal(t, model.StatusDownloading, m.Items()[0].Status)
}

func TestGetNext_Removes(t *testing.T) {
	m := newTestManager()
	m.Add("a", "one.epub")
	m.Add("b", "two.epub")

	item, ok := m.GetNext()
	require.True(t, ok)
	assert.Equal(t, "one.epub", item.Filename)
	assert.Equal(t, model.StatusDownloading, item.Status)
	assert.Equal(t, []string{"two.epub"}, filenames(m.Items()))
}

func TestMarkCompleted(t *testing.T) {
	m := newTestManager()
	first := m.Add("a", "one.epub")
	second := m.Add("b", "two.epub")

	done, ok := m.MarkCompleted(first.ID, true)
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, done.Status)

	_, ok = m.MarkCompleted(second.ID, false)
	require.True(t, ok)

	assert.True(t, m.IsEmpty())
	completed := m.Completed()
	require.Len(t, completed, 2)
	assert.Equal(t, model.StatusCompleted, completed[0].Status)
	assert.Equal(t, model.StatusFailed, completed[1].Status)
	assert.Equal(t, "2 done, 0 queued (Total: 2)", m.Status())

	_, ok = m.MarkCompleted("unknown", true)
	assert.False(t, ok)
}

func TestMarkCompleted_CurrentAfterRemoval(t *testing.T) {
	m := newTestManager()
	item := m.Add("a", "one.epub")
	m.SetCurrent(item.ID)
	require.True(t, m.Remove(0))

	_, ok := m.MarkCompleted(item.ID, false)
	assert.True(t, ok, "the current item is recorded even when no longer queued")
	assert.Len(t, m.Completed(), 1)
}

func TestRemoveAndMoves(t *testing.T) {
	m := newTestManager()
	m.Add("a", "one.epub")
	m.Add("b", "two.epub")
	m.Add("c", "three.epub")

	assert.False(t, m.MoveUp(0))
	assert.False(t, m.MoveDown(2))
	assert.False(t, m.MoveUp(3))
	assert.False(t, m.MoveDown(-1))
	assert.False(t, m.Remove(3))
	assert.False(t, m.Remove(-1))

	assert.True(t, m.MoveUp(2))
	assert.Equal(t, []string{"one.epub", "three.epub", "two.epub"}, filenames(m.Items()))

	assert.True(t, m.MoveDown(0))
	assert.Equal(t, []string{"three.epub", "one.epub", "two.epub"}, filenames(m.Items()))

	assert.True(t, m.Remove(1))
	assert.Equal(t, []string{"three.epub", "two.epub"}, filenames(m.Items()))

	m.Clear()
	assert.True(t, m.IsEmpty())
	assert.Equal(t, "0 done, 0 queued (Total: 0)", m.Status())
}

func TestCurrent(t *testing.T) {
	m := newTestManager()
	_, ok := m.Current()
	assert.False(t, ok)

	item := m.Add("a", "one.epub")
	m.SetCurrent(item.ID)
	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, item.ID, cur.ID)

	m.SetCurrent("")
	_, ok = m.Current()
	assert.False(t, ok)
}

func TestStatus_CountsQueued(t *testing.T) {
	m := newTestManager()
	first := m.Add("a", "one.epub")
	m.Add("b", "two.epub")
	m.Add("c", "three.epub")
	m.MarkCompleted(first.ID, true)

	assert.Equal(t, "1 done, 2 queued (Total: 3)", m.Status())
}

func TestSubscribe(t *testing.T) {
	m := newTestManager()

	var calls atomic.Int32
	m.Subscribe(func() { panic("broken subscriber") })
	m.Subscribe(func() {
		// Subscribers run outside the lock and may read the queue.
		_ = m.Size()
		calls.Add(1)
	})

	item := m.Add("a", "one.epub")
	m.PeekNext() // no notification
	m.MoveUp(0)  // invalid, no notification
	m.SetCurrent(item.ID)
	m.MarkCompleted(item.ID, true)
	m.Clear()
	assert.Equal(t, int32(4), calls.Load())

	var late atomic.Int32
	unsubscribe := m.Subscribe(func() { late.Add(1) })
	m.Add("b", "two.epub")
	unsubscribe()
	m.Clear()
	assert.Equal(t, int32(1), late.Load())
	assert.Equal(t, int32(6), calls.Load())
}

func TestManager_Concurrent(t *testing.T) {
	m := newTestManager()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item := m.Add("u", "f.epub")
			m.MarkCompleted(item.ID, true)
		}()
	}
	wg.Wait()

	assert.True(t, m.IsEmpty())
	assert.Len(t, m.Completed(), 20)
}

// fakeDispatcher records ProcessQueue calls and pops the queue like the
// session does.
type fakeDispatcher struct {
	queue   *Manager
	waiting atomic.Bool
	calls   atomic.Int32
	err     error
}

func (f *fakeDispatcher) Waiting() bool { return f.waiting.Load() }

func (f *fakeDispatcher) ProcessQueue() error {
	f.calls.Add(1)
	if item, ok := f.queue.PeekNext(); ok {
		f.queue.MarkCompleted(item.ID, true)
	}
	return f.err
}

func TestProcessor_DrainsQueue(t *testing.T) {
	m := newTestManager()
	m.Add("a", "one.epub")
	m.Add("b", "two.epub")

	d := &fakeDispatcher{queue: m}
	p := NewProcessor(m, d, 10*time.Millisecond)
	p.SetLogger(logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, m.IsEmpty, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(2), d.calls.Load())
	assert.Len(t, m.Completed(), 2)
}

func TestProcessor_WaitsWhileBusy(t *testing.T) {
	m := newTestManager()
	m.Add("a", "one.epub")

	d := &fakeDispatcher{queue: m, err: errors.New("ignored")}
	d.waiting.Store(true)
	p := NewProcessor(m, d, 5*time.Millisecond)
	p.SetLogger(logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	assert.Zero(t, d.calls.Load(), "no request while the session is waiting")
	assert.Equal(t, 1, m.Size())
}
