package orchestrator

import (
	"time"

	"github.com/parley-ai/parley/internal/protocol"
)

// stateHistorySize bounds the per-task event log.
const stateHistorySize = 32

// StateEntry is one observed contribution in a task's history.
type StateEntry struct {
	Sender    string         `json:"sender"`
	Event     protocol.Event `json:"event"`
	Digest    string         `json:"digest"`
	Timestamp time.Time      `json:"timestamp"`
}

// position is the latest contribution a sender has on record.
type position struct {
	Digest  string
	Content string
	At      time.Time
}

// TaskState tracks one in-flight debate. It is owned by the service's
// tasks map; all mutation happens under the service mutex, and outside
// readers only ever see Snapshot copies.
type TaskState struct {
	TaskID         string
	Requester      string
	Step           protocol.Event // step currently awaited
	Round          int
	Proposer       string // worker the initial proposal was routed to
	Effort         protocol.Effort
	SimilarityHits int
	History        []StateEntry
	Confidences    []float64 // last plateauWindow values
	Contributors   []string  // order of first contribution
	LastContent    string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	positions map[string]position
	timer     *time.Timer
}

func newTaskState(taskID, requester, proposer string, effort protocol.Effort) *TaskState {
	now := time.Now().UTC()
	return &TaskState{
		TaskID:    taskID,
		Requester: requester,
		Step:      protocol.EventPlan,
		Round:     1,
		Proposer:  proposer,
		Effort:    effort,
		CreatedAt: now,
		UpdatedAt: now,
		positions: make(map[string]position),
	}
}

// observe records a contribution and reports whether it duplicates the
// sender's previous one (same normalized content digest).
func (st *TaskState) observe(sender string, event protocol.Event, content string) bool {
	digest := protocol.ContentDigest(content)
	now := time.Now().UTC()

	st.History = append(st.History, StateEntry{Sender: sender, Event: event, Digest: digest, Timestamp: now})
	if len(st.History) > stateHistorySize {
		st.History = st.History[len(st.History)-stateHistorySize:]
	}

	dup := false
	if prev, ok := st.positions[sender]; ok && prev.Digest == digest {
		dup = true
	}
	st.positions[sender] = position{Digest: digest, Content: content, At: now}

	seen := false
	for _, c := range st.Contributors {
		if c == sender {
			seen = true
			break
		}
	}
	if !seen {
		st.Contributors = append(st.Contributors, sender)
	}

	st.LastContent = content
	st.UpdatedAt = now
	return dup
}

// recordConfidence appends to the sliding window, keeping the last
// `window` values.
func (st *TaskState) recordConfidence(v float64, window int) {
	st.Confidences = append(st.Confidences, v)
	if window > 0 && len(st.Confidences) > window {
		st.Confidences = st.Confidences[len(st.Confidences)-window:]
	}
}

// plateaued reports whether the confidence window is full and flat:
// max − min below delta.
func (st *TaskState) plateaued(delta float64, window int) bool {
	if window <= 0 || len(st.Confidences) < window {
		return false
	}
	lo, hi := st.Confidences[0], st.Confidences[0]
	for _, v := range st.Confidences[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi-lo < delta
}

// bestConfidence returns the highest confidence seen in the window.
func (st *TaskState) bestConfidence() float64 {
	best := 0.0
	for _, v := range st.Confidences {
		if v > best {
			best = v
		}
	}
	return best
}

// majority returns the content of the digest most senders currently
// hold. Ties go to the most recently observed digest. ok is false when
// nothing has been contributed yet.
func (st *TaskState) majority() (content string, ok bool) {
	if len(st.positions) == 0 {
		return "", false
	}
	counts := make(map[string]int, len(st.positions))
	latest := make(map[string]position, len(st.positions))
	for _, pos := range st.positions {
		counts[pos.Digest]++
		if cur, seen := latest[pos.Digest]; !seen || pos.At.After(cur.At) {
			latest[pos.Digest] = pos
		}
	}

	var winner string
	var winnerCount int
	var winnerAt time.Time
	for digest, n := range counts {
		at := latest[digest].At
		if n > winnerCount || (n == winnerCount && at.After(winnerAt)) {
			winner, winnerCount, winnerAt = digest, n, at
		}
	}
	return latest[winner].Content, true
}

// hasMajority reports whether one digest is held by more senders than
// any other (a strict plurality of at least two, or a single
// unanimously repeated position).
func (st *TaskState) hasMajority() bool {
	if len(st.positions) == 0 {
		return false
	}
	counts := make(map[string]int, len(st.positions))
	for _, pos := range st.positions {
		counts[pos.Digest]++
	}
	best := 0
	for _, n := range counts {
		if n > best {
			best = n
		}
	}
	return best*2 > len(st.positions)
}

// TaskStateView is the copy-on-read snapshot served to check_status and
// the HTTP API.
type TaskStateView struct {
	TaskID          string          `json:"task_id"`
	Requester       string          `json:"requester"`
	Step            protocol.Event  `json:"step"`
	Round           int             `json:"round"`
	SimilarityHits  int             `json:"similarity_hits"`
	Confidences     []float64       `json:"confidences,omitempty"`
	Contributors    []string        `json:"contributors,omitempty"`
	History         []StateEntry    `json:"history,omitempty"`
	ReasoningEffort protocol.Effort `json:"reasoning_effort,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (st *TaskState) snapshot() TaskStateView {
	view := TaskStateView{
		TaskID:          st.TaskID,
		Requester:       st.Requester,
		Step:            st.Step,
		Round:           st.Round,
		SimilarityHits:  st.SimilarityHits,
		ReasoningEffort: st.Effort,
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
	}
	view.Confidences = append(view.Confidences, st.Confidences...)
	view.Contributors = append(view.Contributors, st.Contributors...)
	view.History = append(view.History, st.History...)
	return view
}
