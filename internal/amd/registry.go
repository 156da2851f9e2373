// Package amd correlates Twilio answering-machine-detection callbacks with
// live bridge sessions by call SID. Classifications may arrive before or
// after the session's start event; the first write for a call SID wins.
package amd

import (
	"sync"
	"time"

	"github.com/brightline-ai/voice-bridge/internal/observability"
	"github.com/rs/zerolog"
)

// Classifications reported by Twilio in the AnsweredBy callback field
const (
	ClassificationHuman             = "human"
	ClassificationMachineStart      = "machine_start"
	ClassificationMachineEndBeep    = "machine_end_beep"
	ClassificationMachineEndSilence = "machine_end_silence"
	ClassificationMachineEndOther   = "machine_end_other"
	ClassificationFax               = "fax"
	ClassificationUnknown           = "unknown"
)

// IsMachine reports whether a classification indicates an answering machine
// or fax rather than a live caller
func IsMachine(classification string) bool {
	switch classification {
	case ClassificationMachineStart,
		ClassificationMachineEndBeep,
		ClassificationMachineEndSilence,
		ClassificationMachineEndOther,
		ClassificationFax:
		return true
	}
	return false
}

// FinalizeFunc ends a call through the telephony SDK. It must be idempotent.
type FinalizeFunc func(callSid string) error

type record struct {
	classification string
	arrivedAt      time.Time
	watchdog       *time.Timer
}

// Registry is the process-wide call SID to AMD classification mapping.
// It is written by the status-callback handler and read by sessions on their
// start event.
type Registry struct {
	finalize        FinalizeFunc
	finalizeTimeout time.Duration
	entryTTL        time.Duration
	logger          zerolog.Logger

	mu      sync.Mutex
	entries map[string]*record
}

// NewRegistry creates an AMD registry. Machine classifications arm a watchdog
// that finalizes the call after finalizeTimeout even if no session ever binds.
func NewRegistry(finalize FinalizeFunc, finalizeTimeout time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		finalize:        finalize,
		finalizeTimeout: finalizeTimeout,
		entryTTL:        10 * time.Minute,
		logger:          logger,
		entries:         make(map[string]*record),
	}
}

// Put records a classification for a call SID. The first write wins; later
// callbacks for the same call are ignored so the session's voicemail decision
// stays stable.
func (r *Registry) Put(callSid, classification string) {
	if callSid == "" || classification == "" {
		return
	}

	observability.RecordAMDClassification(classification)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[callSid]; exists {
		return
	}

	rec := &record{
		classification: classification,
		arrivedAt:      time.Now(),
	}

	if IsMachine(classification) && r.finalize != nil {
		sid := callSid
		rec.watchdog = time.AfterFunc(r.finalizeTimeout, func() {
			r.logger.Info().
				Str("call_sid", sid).
				Str("answered_by", classification).
				Msg("AMD watchdog finalizing machine-answered call")
			if err := r.finalize(sid); err != nil {
				r.logger.Error().Err(err).Str("call_sid", sid).Msg("AMD watchdog finalize failed")
			}
		})
	}

	r.entries[callSid] = rec
}

// Consume returns the classification for a call SID and removes the entry.
// The machine watchdog keeps running; the session owns termination from here
// and the finalizer is idempotent.
func (r *Registry) Consume(callSid string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.entries[callSid]
	if !ok {
		return "", false
	}
	delete(r.entries, callSid)
	return rec.classification, true
}

// CancelWatchdog stops the finalize watchdog for a call whose session has
// taken over termination.
func (r *Registry) CancelWatchdog(callSid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.entries[callSid]; ok && rec.watchdog != nil {
		rec.watchdog.Stop()
	}
}

// Size returns the number of unconsumed entries
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartGC launches the background garbage collector for entries that were
// never consumed. It stops when the done channel closes.
func (r *Registry) StartGC(done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.gc(time.Now())
			case <-done:
				return
			}
		}
	}()
}

func (r *Registry) gc(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sid, rec := range r.entries {
		if now.Sub(rec.arrivedAt) >= r.entryTTL {
			if rec.watchdog != nil {
				rec.watchdog.Stop()
			}
			delete(r.entries, sid)
		}
	}
}
