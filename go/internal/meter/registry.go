package meter

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/meetingmeter/go/internal/models"
	"github.com/mcdev12/meetingmeter/go/internal/rates"
)

// Registry is the local reflection of the session's participant list. Its
// contents are replaced wholesale from snapshots; Add and Remove only build
// the merge-writes, they never change the local list.
type Registry struct {
	rates rates.Lookup
	newID func() string

	mu           sync.RWMutex
	participants []models.Participant
}

// NewRegistry creates an empty registry that prices new participants from
// lookup.
func NewRegistry(lookup rates.Lookup) *Registry {
	if lookup == nil {
		lookup = rates.NewSource(rates.Default())
	}
	return &Registry{
		rates:        lookup,
		newID:        uuid.NewString,
		participants: []models.Participant{},
	}
}

// Build validates the input and creates a participant with a fresh id and the
// rate currently in the table for role.
func (r *Registry) Build(name, role string) (models.Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Participant{}, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	table := r.rates.Current()
	rate, err := table.Rate(role)
	if err != nil {
		return models.Participant{}, &ValidationError{
			Field:  "role",
			Reason: fmt.Sprintf("%q is not one of %s", role, strings.Join(table.Roles(), ", ")),
		}
	}
	return models.Participant{
		ID:   r.newID(),
		Name: name,
		Role: strings.ToLower(strings.TrimSpace(role)),
		Rate: rate,
	}, nil
}

// AddPatch appends p to the current list. The base list is whatever the last
// snapshot held, so two clients adding at once may lose one of the adds.
func (r *Registry) AddPatch(p models.Participant) models.Patch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := make([]models.Participant, 0, len(r.participants)+1)
	next = append(next, models.Without(r.participants, p.ID)...)
	next = append(next, p)
	return models.Patch{Participants: &next}
}

// RemovePatch drops id from the current list. ok is false when id is not
// present, in which case nothing needs writing.
func (r *Registry) RemovePatch(id string) (patch models.Patch, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if models.IndexOf(r.participants, id) < 0 {
		return models.Patch{}, false
	}
	next := models.Without(r.participants, id)
	return models.Patch{Participants: &next}, true
}

// Replace swaps in the list from a snapshot. It reports whether the list
// changed.
func (r *Registry) Replace(participants []models.Participant) bool {
	next := make([]models.Participant, len(participants))
	copy(next, participants)

	r.mu.Lock()
	defer r.mu.Unlock()
	changed := !slices.Equal(r.participants, next)
	r.participants = next
	return changed
}

// Participants returns a copy of the list in insertion order.
func (r *Registry) Participants() []models.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

// Len returns the number of participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}
