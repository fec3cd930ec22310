package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Hungruong/wasm-forge/internal/config"
)

// defaultAnomalyWindow is used when config leaves the window unset.
const defaultAnomalyWindow = 300 * time.Second

// minAnomalySamples gates alerting until the window holds enough events
// to make a rate meaningful.
const minAnomalySamples = 5

// AnomalyDetector watches error rates per operation over a sliding
// window. Tracked operations are "run" and "inference": a spike in
// either points at a failing backend or a broken plugin crowd, and gets
// a warning log before users start filing reports.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	window        time.Duration
	threshold     float64
	logger        *slog.Logger
}

// slidingWindow counts events inside a rolling time window. Every event
// has weight one, so the count is just the surviving timestamps.
type slidingWindow struct {
	stamps []time.Time
	window time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		window:        window,
		threshold:     cfg.ErrorRateThreshold,
		logger:        logger,
	}
}

// RecordError counts a failed operation and re-evaluates its error rate.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.errorCounts, operation).add()
	a.evaluate(operation)
}

// RecordSuccess counts a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successCounts, operation).add()
}

// evaluate warns when the operation's error rate crosses the threshold.
// Caller holds a.mu.
func (a *AnomalyDetector) evaluate(operation string) {
	if a.threshold <= 0 {
		return
	}

	errors := a.windowFor(a.errorCounts, operation).sum()
	total := errors + a.windowFor(a.successCounts, operation).sum()
	if total < minAnomalySamples {
		return
	}

	rate := errors / total
	if rate > a.threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Float64("errors", errors),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, operation string) *slidingWindow {
	w, ok := m[operation]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[operation] = w
	}
	return w
}

func (w *slidingWindow) add() {
	now := time.Now()
	w.stamps = append(w.stamps, now)
	w.prune(now)
}

func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	return float64(len(w.stamps))
}

// prune drops timestamps that have aged out of the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}
