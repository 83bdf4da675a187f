package models

import "time"

// TimerStatus is the coarse state of the shared timer.
type TimerStatus string

const (
	TimerStatusStopped TimerStatus = "STOPPED"
	TimerStatusRunning TimerStatus = "RUNNING"
)

// TimerState is the shared start/stop timer. StartAnchor is a store-assigned
// instant and is set if and only if IsRunning is true.
type TimerState struct {
	IsRunning          bool       `json:"is_running"`
	AccumulatedSeconds float64    `json:"accumulated_seconds"`
	StartAnchor        *time.Time `json:"start_anchor,omitempty"`
}

// Status reports the timer as a TimerStatus.
func (t TimerState) Status() TimerStatus {
	if t.IsRunning {
		return TimerStatusRunning
	}
	return TimerStatusStopped
}

// Valid reports whether the anchor invariant and the non-negative counter hold.
func (t TimerState) Valid() bool {
	if t.AccumulatedSeconds < 0 {
		return false
	}
	return t.IsRunning == (t.StartAnchor != nil)
}

// ElapsedAt returns the banked seconds plus the running segment measured
// against now. now must come from the store's clock, not the local one.
func (t TimerState) ElapsedAt(now time.Time) float64 {
	elapsed := t.AccumulatedSeconds
	if t.IsRunning && t.StartAnchor != nil {
		if segment := now.Sub(*t.StartAnchor).Seconds(); segment > 0 {
			elapsed += segment
		}
	}
	return elapsed
}

// TimerPatch is the timer part of a merge-write. IsRunning and StartAnchor are
// always written together; AccumulatedSeconds is left untouched when nil.
type TimerPatch struct {
	IsRunning          bool       `json:"is_running"`
	AccumulatedSeconds *float64   `json:"accumulated_seconds,omitempty"`
	StartAnchor        *time.Time `json:"start_anchor,omitempty"`
}
