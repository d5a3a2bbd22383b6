package agent

import (
	"strings"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/protocol"
)

// dedupe is a fixed-capacity window of recently seen message identities.
// Two messages are duplicates when task id, intent, sender timestamp, and
// content digest all match. The window evicts oldest-first.
type dedupe struct {
	mu    sync.Mutex
	cap   int
	seen  map[string]struct{}
	order []string
	next  int
}

func newDedupe(capacity int) *dedupe {
	if capacity <= 0 {
		capacity = 1024
	}
	return &dedupe{
		cap:   capacity,
		seen:  make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

// key builds the identity of one message.
func dedupeKey(taskID string, intent protocol.Intent, ts time.Time, content string) string {
	return strings.Join([]string{
		taskID,
		string(intent),
		ts.UTC().Format(time.RFC3339Nano),
		protocol.ContentDigest(content),
	}, "|")
}

// observe records the identity and reports whether it was already present.
func (d *dedupe) observe(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	if old := d.order[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.order[d.next] = key
	d.next = (d.next + 1) % d.cap
	d.seen[key] = struct{}{}
	return false
}
