// Package metacog is the Metacognitive Engine: per-topic confidence
// tracking and learning-trigger policy.
package metacog

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/chimera-autarch/autarch/internal/events"
	"github.com/chimera-autarch/autarch/internal/observability"
	"github.com/chimera-autarch/autarch/internal/store"
)

// Config controls confidence thresholds, cooldowns, and history retention.
type Config struct {
	ConfidenceThreshold float64
	LearningCooldown    time.Duration
	MinSamples          int
	HistoryWindow       int
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.60,
		LearningCooldown:    300 * time.Second,
		MinSamples:          10,
		HistoryWindow:       100,
	}
}

// Engine owns every FailurePattern and derives confidence and learning
// triggers from them.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	topics  map[string]*FailurePattern
	broker  *events.Broker
	store   store.Store
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New constructs an Engine. broker, persistence, and metrics may be nil.
func New(cfg Config, broker *events.Broker, persistence store.Store, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		topics:  make(map[string]*FailurePattern),
		broker:  broker,
		store:   persistence,
		logger:  logger.With("component", "metacog.engine"),
		metrics: metrics,
	}
}

func (e *Engine) topic(name string) *FailurePattern {
	f, ok := e.topics[name]
	if !ok {
		f = &FailurePattern{Topic: name, tagCounts: make(map[string]int)}
		e.topics[name] = f
	}
	return f
}

// RecordOutcome appends an outcome to topic's history, trimming to the
// configured window and keeping the error-tag histogram consistent with
// what remains in the window. It returns the topic's confidence after the
// update and emits confidence_changed if the 0.05 bucket moved.
func (e *Engine) RecordOutcome(topic string, success bool, errorTag string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	f := e.topic(topic)
	before := f.confidence(e.cfg.MinSamples)

	f.history = append(f.history, outcome{success: success, errorTag: errorTag, timestamp: time.Now()})
	if !success && errorTag != "" {
		f.tagCounts[errorTag]++
	}
	for len(f.history) > e.cfg.HistoryWindow {
		evicted := f.history[0]
		f.history = f.history[1:]
		if !evicted.success && evicted.errorTag != "" {
			f.tagCounts[evicted.errorTag]--
			if f.tagCounts[evicted.errorTag] <= 0 {
				delete(f.tagCounts, evicted.errorTag)
			}
		}
	}

	after := f.confidence(e.cfg.MinSamples)
	if e.metrics != nil {
		e.metrics.SetConfidence(topic, after)
	}
	if bucket(before) != bucket(after) {
		e.publish(events.TypeConfidenceChanged, map[string]any{
			"topic":      topic,
			"confidence": after,
		})
	}
	return after
}

func bucket(confidence float64) int {
	return int(math.Floor(confidence * 20))
}

// Confidence returns topic's current confidence.
func (e *Engine) Confidence(topic string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.topics[topic]
	if !ok {
		return 1.0
	}
	return f.confidence(e.cfg.MinSamples)
}

// SystemConfidence returns the mean confidence across all known topics, or
// 1.0 if no topic has been recorded yet.
func (e *Engine) SystemConfidence() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.topics) == 0 {
		return 1.0
	}
	total := 0.0
	for _, f := range e.topics {
		total += f.confidence(e.cfg.MinSamples)
	}
	return total / float64(len(e.topics))
}

// Poll returns at most one LearningTrigger for the lowest-confidence topic
// eligible under the threshold, cooldown, min-samples, and in-flight rules.
// Topics are scanned in sorted order so Poll is deterministic for a given
// state, which matters for tests and for reasoning about which topic wins
// when several are simultaneously eligible.
func (e *Engine) Poll() (LearningTrigger, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.topics))
	for name := range e.topics {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now()
	var best *FailurePattern
	var bestConfidence float64

	for _, name := range names {
		f := e.topics[name]
		if f.inFlight {
			continue
		}
		if len(f.history) < e.cfg.MinSamples {
			continue
		}
		confidence := f.confidence(e.cfg.MinSamples)
		if confidence >= e.cfg.ConfidenceThreshold {
			continue
		}
		if !f.lastTriggerTime.IsZero() && now.Sub(f.lastTriggerTime) < e.cfg.LearningCooldown {
			continue
		}
		if best == nil || confidence < bestConfidence {
			best, bestConfidence = f, confidence
		}
	}

	if best == nil {
		return LearningTrigger{}, false
	}

	best.inFlight = true
	trigger := LearningTrigger{
		Topic:             best.Topic,
		Confidence:        bestConfidence,
		RecommendedRounds: recommendedRounds(bestConfidence),
		FailureReason:     best.topTag(),
	}
	e.publish(events.TypeLearningStarted, map[string]any{
		"topic":      trigger.Topic,
		"confidence": trigger.Confidence,
		"rounds":     trigger.RecommendedRounds,
	})
	return trigger, true
}

func recommendedRounds(confidence float64) int {
	rounds := int(math.Round(10 * (1 - confidence)))
	if rounds < 3 {
		return 3
	}
	if rounds > 10 {
		return 10
	}
	return rounds
}

// OnLearningComplete clears topic's in-flight flag and resets its cooldown
// clock to now, so the cooldown is measured from completion rather than
// initiation. If deltaConfidence is positive, it records an EvolutionRecord
// and publishes evolution_applied.
func (e *Engine) OnLearningComplete(ctx context.Context, topic string, deltaConfidence float64) {
	e.mu.Lock()
	f, ok := e.topics[topic]
	if ok {
		f.inFlight = false
		f.lastTriggerTime = time.Now()
	}
	failureReason := ""
	if ok {
		failureReason = f.topTag()
	}
	e.mu.Unlock()

	outcomeLabel := "no_improvement"
	if deltaConfidence > 0 {
		outcomeLabel = "improved"
		if e.store != nil {
			appliedFix := fmt.Sprintf("federated training round for %s", topic)
			id, err := e.store.RecordEvolution(ctx, topic, failureReason, appliedFix, deltaConfidence)
			if err != nil {
				e.logger.Warn("failed to record evolution", "topic", topic, "error", err)
			} else {
				e.publish(events.TypeEvolutionApplied, map[string]any{
					"id":                   id,
					"topic":                topic,
					"observed_improvement": deltaConfidence,
				})
			}
		}
	}
	if e.metrics != nil {
		e.metrics.RecordLearningRound(topic, outcomeLabel)
	}
	e.publish(events.TypeLearningCompleted, map[string]any{
		"topic":   topic,
		"outcome": outcomeLabel,
		"delta":   deltaConfidence,
	})
}

func (e *Engine) publish(eventType string, data map[string]any) {
	if e.broker != nil {
		e.broker.PublishDefault(eventType, data)
	}
}
