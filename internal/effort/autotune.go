package effort

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/protocol"
)

// Tuning bounds: weights move at most ±10% per cycle and stay inside
// [0.5, 5.0]; word-count thresholds move in steps of 5 and never drop below
// usable floors.
const (
	weightStepDown = 0.9
	weightStepUp   = 1.1
	weightFloor    = 0.5
	weightCeil     = 5.0

	thresholdStep        = 5
	mediumThresholdFloor = 10
	thresholdGapFloor    = 10

	// biasTrigger is the mean signed misclassification (in effort ranks)
	// beyond which a cycle adjusts weights or thresholds.
	biasTrigger = 0.5
)

// OutcomeSample is one finished task fed back into the estimator.
type OutcomeSample struct {
	TaskID       string
	Predicted    protocol.Effort
	Duration     time.Duration
	Success      bool
	CategoryHits map[string]int
	Timestamp    time.Time
}

// RecordOutcome appends a sample to the bounded history and runs a tuning
// cycle once enough samples have accumulated since the last one.
func (e *Estimator) RecordOutcome(s OutcomeSample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.current.Load().cfg
	limit := cfg.Autotune.HistoryLimit
	if limit <= 0 {
		limit = 1000
	}
	e.history = append(e.history, s)
	if len(e.history) > limit {
		e.history = e.history[len(e.history)-limit:]
	}

	e.sinceTune++
	if cfg.Autotune.Enabled && e.sinceTune >= cfg.Autotune.AnalysisAfter {
		e.tune(cfg)
	}
}

// binDuration maps an observed duration onto an empirical effort level.
func binDuration(cfg *Config, d time.Duration) protocol.Effort {
	sec := d.Seconds()
	switch {
	case sec < cfg.Autotune.MediumDurationSec:
		return protocol.EffortLow
	case sec < cfg.Autotune.HighDurationSec:
		return protocol.EffortMedium
	default:
		return protocol.EffortHigh
	}
}

type categoryStat struct {
	errSum    float64
	samples   int
	successes int
	durSum    float64
}

// tune compares predicted effort against empirical effort over the history
// and nudges category weights and thresholds toward lower misclassification.
// Callers hold e.mu. The new config replaces the snapshot atomically.
func (e *Estimator) tune(cfg *Config) {
	if len(e.history) == 0 {
		e.sinceTune = 0
		return
	}

	next := cfg.Clone()
	stats := make(map[string]*categoryStat)
	globalErr := 0.0

	for _, s := range e.history {
		empirical := binDuration(cfg, s.Duration)
		signed := float64(s.Predicted.Rank() - empirical.Rank())
		globalErr += signed
		for cat, hits := range s.CategoryHits {
			if hits == 0 {
				continue
			}
			st := stats[cat]
			if st == nil {
				st = &categoryStat{}
				stats[cat] = st
			}
			st.errSum += signed
			st.samples++
			if s.Success {
				st.successes++
			}
			st.durSum += s.Duration.Seconds()
		}
	}

	for name, st := range stats {
		cat, ok := next.Categories[name]
		if !ok {
			continue
		}
		mean := st.errSum / float64(st.samples)
		oldWeight := cat.Weight
		switch {
		case mean > biasTrigger:
			cat.Weight = math.Max(weightFloor, cat.Weight*weightStepDown)
		case mean < -biasTrigger:
			cat.Weight = math.Min(weightCeil, cat.Weight*weightStepUp)
		}
		if cat.Weight != oldWeight {
			next.Categories[name] = cat
			e.logger.Info("Tuned category weight",
				zap.String("category", name),
				zap.Float64("from", oldWeight),
				zap.Float64("to", cat.Weight),
				zap.Float64("mean_misclassification", mean),
				zap.Float64("success_rate", float64(st.successes)/float64(st.samples)),
				zap.Float64("avg_duration_sec", st.durSum/float64(st.samples)))
		}
	}

	globalMean := globalErr / float64(len(e.history))
	switch {
	case globalMean > biasTrigger:
		next.Thresholds.HighWordCount += thresholdStep
		next.Thresholds.MediumWordCount += thresholdStep
	case globalMean < -biasTrigger:
		next.Thresholds.MediumWordCount = max(mediumThresholdFloor, next.Thresholds.MediumWordCount-thresholdStep)
		next.Thresholds.HighWordCount = max(next.Thresholds.MediumWordCount+thresholdGapFloor, next.Thresholds.HighWordCount-thresholdStep)
	}

	comp, err := compile(next)
	if err != nil {
		e.logger.Error("Tuned config rejected, keeping current snapshot", zap.Error(err))
	} else {
		e.current.Store(comp)
		e.tunes++
		e.logger.Info("Estimator snapshot replaced",
			zap.Int("cycle", e.tunes),
			zap.Int("samples", len(e.history)),
			zap.Float64("global_bias", globalMean))
	}

	e.sinceTune = 0
	if !cfg.Autotune.RetainHistory {
		e.history = e.history[:0]
	}
}
