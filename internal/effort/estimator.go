package effort

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/parley-ai/parley/internal/common/logger"
	"github.com/parley-ai/parley/internal/protocol"
)

// Input carries everything the estimator looks at. Confidence is optional;
// DeadlinePressure is 0 when the caller has no deadline signal.
type Input struct {
	Content          string
	Event            protocol.Event
	Intent           protocol.Intent
	Confidence       *float64
	DeadlinePressure float64
}

// Estimator turns task text into an effort label. Reads are lock-free
// against the current config snapshot; outcome recording and tuning
// serialize on a mutex and publish new snapshots atomically.
type Estimator struct {
	current atomic.Pointer[compiled]
	logger  *logger.Logger

	mu        sync.Mutex
	history   []OutcomeSample
	sinceTune int
	tunes     int
}

// NewEstimator creates an estimator from a validated config.
func NewEstimator(cfg *Config, log *logger.Logger) (*Estimator, error) {
	comp, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	e := &Estimator{logger: log}
	e.current.Store(comp)
	return e, nil
}

// Estimate returns the effort level for the input plus the diagnostics that
// explain it. The same input against the same config snapshot always yields
// the same answer.
func (e *Estimator) Estimate(in Input) (protocol.Effort, *protocol.Diagnostics) {
	snap := e.current.Load()
	cfg := snap.cfg

	lower := strings.ToLower(in.Content)
	wordCount := len(strings.Fields(in.Content))

	hits := make(map[string]int, len(snap.matchers))
	score := 0.0
	active := 0
	for name, matchers := range snap.matchers {
		n := 0
		for _, re := range matchers {
			n += len(re.FindAllStringIndex(lower, -1))
		}
		hits[name] = n
		if n > 0 {
			active++
		}
		score += float64(n) * cfg.Categories[name].Weight
	}

	var adjustments []string

	// Tasks spanning more than two keyword families are harder than their
	// raw hit count suggests.
	if active > 2 && cfg.Overrides.CategoryOverlapBonus > 0 {
		score += cfg.Overrides.CategoryOverlapBonus * float64(active-2)
		adjustments = append(adjustments, "category_overlap_bonus")
	}

	// Complexity lowers the word-count bar: a short but dense request can
	// still rate high.
	highCut := math.Max(10, float64(cfg.Thresholds.HighWordCount)-score*cfg.Thresholds.HighScale)
	mediumCut := math.Max(5, float64(cfg.Thresholds.MediumWordCount)-score*cfg.Thresholds.MediumScale)

	var level protocol.Effort
	switch {
	case score >= 3 || float64(wordCount) > highCut:
		level = protocol.EffortHigh
	case score >= 1 || float64(wordCount) > mediumCut:
		level = protocol.EffortMedium
	default:
		level = protocol.EffortLow
	}

	// Adjustment rules, applied in order. Each can only raise the level.
	if in.Event == protocol.EventRefine || in.Event == protocol.EventEscalate {
		if level != protocol.EffortHigh {
			level = protocol.EffortHigh
			adjustments = append(adjustments, "event_"+string(in.Event))
		}
	}
	if in.Intent == protocol.IntentModifyTask && level != protocol.EffortHigh {
		level = protocol.EffortHigh
		adjustments = append(adjustments, "intent_modify_task")
	}
	if in.Confidence != nil && *in.Confidence < cfg.Overrides.LowConfidence {
		if raised := bump(level); raised != level {
			level = raised
			adjustments = append(adjustments, "low_confidence")
		}
	}
	if in.DeadlinePressure > cfg.Overrides.DeadlinePressure && level != protocol.EffortHigh {
		level = protocol.EffortHigh
		adjustments = append(adjustments, "deadline_pressure")
	}
	if active >= 2 {
		if raised := bump(level); raised != level {
			level = raised
			adjustments = append(adjustments, "multi_category")
		}
	}

	diag := &protocol.Diagnostics{
		WordCount:         wordCount,
		ComplexityScore:   score,
		CategoryHits:      hits,
		Adjustments:       adjustments,
		ReasoningStrategy: Strategy(level),
		Priority:          Priority(in.Intent, level),
	}
	return level, diag
}

// bump raises an effort by one level, saturating at high.
func bump(e protocol.Effort) protocol.Effort {
	switch e {
	case protocol.EffortLow:
		return protocol.EffortMedium
	default:
		return protocol.EffortHigh
	}
}

// Snapshot returns a copy of the active configuration.
func (e *Estimator) Snapshot() *Config {
	return e.current.Load().cfg.Clone()
}

// HistorySize returns the number of retained outcome samples.
func (e *Estimator) HistorySize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// Tunes returns how many tuning cycles have run.
func (e *Estimator) Tunes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tunes
}
