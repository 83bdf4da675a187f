package meter

import (
	"time"

	"github.com/mcdev12/meetingmeter/go/internal/models"
)

// Accrual is the derived cost of a session at one instant. It is never
// written back to the store.
type Accrual struct {
	ElapsedSeconds     float64
	TotalCost          float64
	PerParticipantCost map[string]float64
}

// Compute derives elapsed time and cost. Every participant is charged at their
// own frozen rate against the same shared elapsed time, including
// participants added part way through a running segment. now must be a
// store-anchored instant.
func Compute(participants []models.Participant, timer models.TimerState, now time.Time) Accrual {
	elapsed := timer.ElapsedAt(now)
	out := Accrual{
		ElapsedSeconds:     elapsed,
		PerParticipantCost: make(map[string]float64, len(participants)),
	}
	for _, p := range participants {
		cost := p.Rate * elapsed / 3600
		out.PerParticipantCost[p.ID] += cost
		out.TotalCost += cost
	}
	return out
}
