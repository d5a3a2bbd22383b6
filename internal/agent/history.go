package agent

import (
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/protocol"
)

// HistoryEntry is one remembered exchange on a task.
type HistoryEntry struct {
	Sender    string
	Digest    string
	Timestamp time.Time
}

// history keeps a bounded per-task ring of exchanges so agents can reason
// about recent traffic (loop detection, context building) without unbounded
// growth.
type history struct {
	mu    sync.Mutex
	size  int
	tasks map[string][]HistoryEntry
}

func newHistory(size int) *history {
	if size <= 0 {
		size = 32
	}
	return &history{size: size, tasks: make(map[string][]HistoryEntry)}
}

// remember appends one entry, evicting the oldest when the ring is full.
func (h *history) remember(taskID, sender, content string) {
	entry := HistoryEntry{
		Sender:    sender,
		Digest:    protocol.ContentDigest(content),
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ring := append(h.tasks[taskID], entry)
	if len(ring) > h.size {
		ring = ring[len(ring)-h.size:]
	}
	h.tasks[taskID] = ring
}

// recent returns a copy of the task's entries, oldest first.
func (h *history) recent(taskID string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryEntry(nil), h.tasks[taskID]...)
}

// forget drops a task's entries, called when the task reaches terminal state.
func (h *history) forget(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tasks, taskID)
}
