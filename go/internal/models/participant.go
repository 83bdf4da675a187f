package models

// Participant is one attendee charged against the shared meter.
// Rate is copied from the role table when the participant is added and is
// never recomputed afterwards.
type Participant struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Role string  `json:"role"`
	Rate float64 `json:"rate"` // hourly
}

// RatePerSecond returns the participant's hourly rate spread over seconds.
func (p Participant) RatePerSecond() float64 {
	return p.Rate / 3600
}

// IndexOf returns the position of the participant with the given id, or -1.
func IndexOf(participants []Participant, id string) int {
	for i, p := range participants {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Without returns a copy of participants with every entry matching id removed.
func Without(participants []Participant, id string) []Participant {
	out := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
