// Package queue holds the download queue of the native fetcher and the loop
// that feeds it to the IRC session one item at a time.
//
// The queue is a FIFO of book requests. The head item is the one being
// downloaded: it stays in the queue, marked downloading, until the transfer
// finishes and MarkCompleted moves it to the completed list. Items are
// handed out as copies; callers refer back to them by ID.
package queue

import (
	"fmt"
	"slices"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/bookfetch/internal/logging"
	"github.com/shinji-kodama/bookfetch/internal/model"
)

// Manager is a thread-safe download queue.
//
// Subscribers are notified after every change. Notifications are delivered
// after the internal lock is released, so a subscriber may call back into
// the Manager.
type Manager struct {
	mu        sync.Mutex
	items     []*model.QueueItem
	completed []*model.QueueItem
	current   *model.QueueItem

	subMu       sync.RWMutex
	subscribers []subscriber
	nextSub     int

	logger *log.Logger
}

// NewManager creates an empty queue.
func NewManager() *Manager {
	return &Manager{logger: logging.For("queue")}
}

// SetLogger replaces the component logger.
func (m *Manager) SetLogger(l *log.Logger) {
	m.logger = l
}

type subscriber struct {
	id int
	fn func()
}

// Subscribe registers fn to be called after every queue change. The
// returned function removes the subscription.
func (m *Manager) Subscribe(fn func()) (unsubscribe func()) {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subscribers = append(m.subscribers, subscriber{id: id, fn: fn})
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		m.subscribers = slices.DeleteFunc(m.subscribers, func(s subscriber) bool { return s.id == id })
		m.subMu.Unlock()
	}
}

// Add appends a pending request for filename from user and returns it.
func (m *Manager) Add(user, filename string) model.QueueItem {
	item := model.NewQueueItem(user, filename)

	m.mu.Lock()
	m.items = append(m.items, item)
	size := len(m.items)
	snapshot := *item
	m.mu.Unlock()

	m.logger.Info("added to queue", "item", snapshot.String())
	m.logger.Debug("queue size after add", "size", size)
	m.notify()
	return snapshot
}

// PeekNext marks the head item as downloading and returns it without
// removing it. ok is false when the queue is empty.
func (m *Manager) PeekNext() (item model.QueueItem, ok bool) {
	m.mu.Lock()
	if len(m.items) == 0 {
		m.mu.Unlock()
		return model.QueueItem{}, false
	}
	head := m.items[0]
	head.Status = model.StatusDownloading
	item = *head
	m.mu.Unlock()

	m.logger.Info("processing", "item", item.String())
	return item, true
}

// GetNext removes the head item, marks it as downloading and returns it.
func (m *Manager) GetNext() (item model.QueueItem, ok bool) {
	m.mu.Lock()
	if len(m.items) == 0 {
		m.mu.Unlock()
		return model.QueueItem{}, false
	}
	head := m.items[0]
	m.items = slices.Delete(m.items, 0, 1)
	head.Status = model.StatusDownloading
	item = *head
	m.mu.Unlock()

	m.logger.Info("processing", "item", item.String())
	m.notify()
	return item, true
}

// MarkCompleted records the item with the given ID as completed or failed
// and removes it from the queue if it is still queued. An ID that is no
// longer queued (taken with GetNext, or the current item) is recorded too.
func (m *Manager) MarkCompleted(id string, success bool) (model.QueueItem, bool) {
	status := model.StatusCompleted
	if !success {
		status = model.StatusFailed
	}

	m.mu.Lock()
	var item *model.QueueItem
	if i := m.indexOf(id); i >= 0 {
		item = m.items[i]
		m.items = slices.Delete(m.items, i, i+1)
	} else if m.current != nil && m.current.ID == id {
		item = m.current
	}
	if item == nil {
		m.mu.Unlock()
		m.logger.Warn("completed item not found", "id", id)
		return model.QueueItem{}, false
	}
	item.Status = status
	m.completed = append(m.completed, item)
	snapshot := *item
	done, queued := len(m.completed), len(m.items)
	m.mu.Unlock()

	m.logger.Info("completed", "item", snapshot.String(), "success", success)
	m.logger.Info("stats after completion", "done", done, "queued", queued)
	m.notify()
	return snapshot, true
}

// indexOf returns the queue position of id, or -1. Callers hold mu.
func (m *Manager) indexOf(id string) int {
	return slices.IndexFunc(m.items, func(it *model.QueueItem) bool { return it.ID == id })
}

// Remove deletes the item at index. It reports false for an invalid index.
func (m *Manager) Remove(index int) bool {
	m.mu.Lock()
	if index < 0 || index >= len(m.items) {
		m.mu.Unlock()
		return false
	}
	item := m.items[index]
	m.items = slices.Delete(m.items, index, index+1)
	m.mu.Unlock()

	m.logger.Info("removed from queue", "item", item.String())
	m.notify()
	return true
}

// MoveUp swaps the item at index with the one before it. It reports false
// for the head or an invalid index.
func (m *Manager) MoveUp(index int) bool {
	m.mu.Lock()
	if index <= 0 || index >= len(m.items) {
		m.mu.Unlock()
		return false
	}
	m.items[index], m.items[index-1] = m.items[index-1], m.items[index]
	m.mu.Unlock()

	m.notify()
	return true
}

// MoveDown swaps the item at index with the one after it. It reports false
// for the last item or an invalid index.
func (m *Manager) MoveDown(index int) bool {
	m.mu.Lock()
	if index < 0 || index >= len(m.items)-1 {
		m.mu.Unlock()
		return false
	}
	m.items[index], m.items[index+1] = m.items[index+1], m.items[index]
	m.mu.Unlock()

	m.notify()
	return true
}

// Clear removes every queued item. Completed items are kept.
func (m *Manager) Clear() {
	m.mu.Lock()
	count := len(m.items)
	m.items = nil
	m.mu.Unlock()

	m.logger.Info("cleared queue", "count", count)
	m.notify()
}

// Items returns a snapshot of the queued items in order.
func (m *Manager) Items() []model.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.items)
}

// Completed returns a snapshot of the finished items in completion order.
func (m *Manager) Completed() []model.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.completed)
}

func snapshot(items []*model.QueueItem) []model.QueueItem {
	out := make([]model.QueueItem, len(items))
	for i, it := range items {
		out[i] = *it
	}
	return out
}

// SetCurrent records the item with the given ID as the one being
// downloaded. An empty id clears it.
func (m *Manager) SetCurrent(id string) {
	m.mu.Lock()
	m.current = nil
	if id != "" {
		if i := m.indexOf(id); i >= 0 {
			m.current = m.items[i]
		}
	}
	m.mu.Unlock()

	m.notify()
}

// Current returns the item being downloaded, if any.
func (m *Manager) Current() (model.QueueItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return model.QueueItem{}, false
	}
	return *m.current, true
}

// Status returns a one-line summary such as "2 done, 3 queued (Total: 5)".
// The queued count includes the item being downloaded.
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	done, queued := len(m.completed), len(m.items)
	return fmt.Sprintf("%d done, %d queued (Total: %d)", done, queued, done+queued)
}

// IsEmpty reports whether nothing is queued.
func (m *Manager) IsEmpty() bool {
	return m.Size() == 0
}

// Size returns the number of queued items.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// notify calls every subscriber. A panicking subscriber is logged and does
// not prevent the others from running.
func (m *Manager) notify() {
	m.subMu.RLock()
	subs := slices.Clone(m.subscribers)
	m.subMu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("queue subscriber panicked", "panic", r)
				}
			}()
			sub.fn()
		}()
	}
}
