package models

import "time"

// SessionRecord is the single shared document for one meeting.
type SessionRecord struct {
	Participants []Participant `json:"participants"`
	Timer        TimerState    `json:"timer"`
}

// DefaultSessionRecord is the record created on first access and by reset.
func DefaultSessionRecord() SessionRecord {
	return SessionRecord{
		Participants: []Participant{},
		Timer:        TimerState{},
	}
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (r SessionRecord) Clone() SessionRecord {
	out := SessionRecord{
		Participants: make([]Participant, len(r.Participants)),
		Timer:        r.Timer,
	}
	copy(out.Participants, r.Participants)
	if r.Timer.StartAnchor != nil {
		anchor := *r.Timer.StartAnchor
		out.Timer.StartAnchor = &anchor
	}
	return out
}

// Patch names the fields a merge-write touches. Nil fields keep their stored
// value.
type Patch struct {
	Participants *[]Participant `json:"participants,omitempty"`
	Timer        *TimerPatch    `json:"timer,omitempty"`
}

// Empty reports whether the patch touches nothing.
func (p Patch) Empty() bool {
	return p.Participants == nil && p.Timer == nil
}

// Merge applies a patch on top of the record and returns the result. The
// receiver is not modified.
func (r SessionRecord) Merge(p Patch) SessionRecord {
	out := r.Clone()
	if p.Participants != nil {
		out.Participants = make([]Participant, len(*p.Participants))
		copy(out.Participants, *p.Participants)
	}
	if p.Timer != nil {
		out.Timer.IsRunning = p.Timer.IsRunning
		out.Timer.StartAnchor = nil
		if p.Timer.StartAnchor != nil {
			anchor := *p.Timer.StartAnchor
			out.Timer.StartAnchor = &anchor
		}
		if p.Timer.AccumulatedSeconds != nil {
			out.Timer.AccumulatedSeconds = *p.Timer.AccumulatedSeconds
		}
	}
	if out.Participants == nil {
		out.Participants = []Participant{}
	}
	return out
}

// TimeRef returns a pointer to a copy of t.
func TimeRef(t time.Time) *time.Time {
	return &t
}

// FloatRef returns a pointer to a copy of f.
func FloatRef(f float64) *float64 {
	return &f
}
