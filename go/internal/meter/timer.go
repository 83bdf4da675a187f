package meter

import (
	"time"

	"github.com/mcdev12/meetingmeter/go/internal/models"
)

// StartPatch builds the merge-write for Start. It is valid only from Stopped
// with at least one participant; now is the store's clock and becomes the
// start anchor.
func StartPatch(rec models.SessionRecord, now time.Time) (models.Patch, error) {
	if len(rec.Participants) == 0 {
		return models.Patch{}, &ValidationError{Field: "participants", Reason: "add a participant before starting"}
	}
	if rec.Timer.IsRunning {
		return models.Patch{}, &TransitionError{Op: "start", Running: true}
	}
	return models.Patch{
		Timer: &models.TimerPatch{
			IsRunning:   true,
			StartAnchor: models.TimeRef(now),
		},
	}, nil
}

// StopPatch builds the merge-write for Stop: the finished segment is folded
// into the accumulated seconds and the anchor is cleared. A segment that
// measures negative because of clock skew between store nodes counts as zero.
func StopPatch(rec models.SessionRecord, now time.Time) (models.Patch, error) {
	if !rec.Timer.IsRunning || rec.Timer.StartAnchor == nil {
		return models.Patch{}, &TransitionError{Op: "stop", Running: false}
	}
	segment := now.Sub(*rec.Timer.StartAnchor).Seconds()
	if segment < 0 {
		segment = 0
	}
	return models.Patch{
		Timer: &models.TimerPatch{
			IsRunning:          false,
			AccumulatedSeconds: models.FloatRef(rec.Timer.AccumulatedSeconds + segment),
		},
	}, nil
}

// ResetRecord is the full replacement written by Reset.
func ResetRecord() models.SessionRecord {
	return models.DefaultSessionRecord()
}
