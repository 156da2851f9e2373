// Package predictor sizes the signed URL prewarm cache from observed call
// arrival rates.
package predictor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TargetSetter receives cache size recommendations
type TargetSetter interface {
	SetTarget(n int)
}

// Stats is a snapshot of predictor state for the status endpoint
type Stats struct {
	TotalLast24h     int         `json:"total_last_24h"`
	PredictedNext2h  int         `json:"predicted_next_2h"`
	RecommendedCache int         `json:"recommended_cache_size"`
	HourlyHistogram  map[int]int `json:"hourly_histogram"`
}

// Predictor tracks call arrivals over a sliding 24 hour window bucketed by
// hour of day
type Predictor struct {
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	arrivals []time.Time
}

// New creates a call-rate predictor
func New(logger zerolog.Logger) *Predictor {
	return &Predictor{
		logger: logger,
		now:    time.Now,
	}
}

// RecordCall records a call arrival at the current time
func (p *Predictor) RecordCall() {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked(now)
	p.arrivals = append(p.arrivals, now)
}

// PredictNextTwoHours sums last-24h arrivals that fell in the next two
// hour-of-day buckets
func (p *Predictor) PredictNextTwoHours() int {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked(now)

	h1 := (now.Hour() + 1) % 24
	h2 := (now.Hour() + 2) % 24

	count := 0
	for _, ts := range p.arrivals {
		if h := ts.Hour(); h == h1 || h == h2 {
			count++
		}
	}
	return count
}

// RecommendedCacheSize maps predicted volume to a cache target
func RecommendedCacheSize(predicted int) int {
	switch {
	case predicted <= 10:
		return 3
	case predicted <= 20:
		return 5
	case predicted <= 50:
		return 8
	default:
		return 10
	}
}

// Snapshot returns current predictor statistics
func (p *Predictor) Snapshot() Stats {
	now := p.now()

	p.mu.Lock()
	p.pruneLocked(now)
	histogram := make(map[int]int)
	for _, ts := range p.arrivals {
		histogram[ts.Hour()]++
	}
	total := len(p.arrivals)
	p.mu.Unlock()

	predicted := p.PredictNextTwoHours()
	return Stats{
		TotalLast24h:     total,
		PredictedNext2h:  predicted,
		RecommendedCache: RecommendedCacheSize(predicted),
		HourlyHistogram:  histogram,
	}
}

// Run adjusts the cache target every interval until done closes
func (p *Predictor) Run(done <-chan struct{}, interval time.Duration, target TargetSetter) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				predicted := p.PredictNextTwoHours()
				size := RecommendedCacheSize(predicted)
				p.logger.Debug().
					Int("predicted_calls", predicted).
					Int("cache_target", size).
					Msg("Predictor adjusting URL cache target")
				target.SetTarget(size)
			case <-done:
				return
			}
		}
	}()
}

// pruneLocked drops arrivals older than 24 hours. Caller holds the mutex.
func (p *Predictor) pruneLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := p.arrivals[:0]
	for _, ts := range p.arrivals {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	p.arrivals = kept
}
