package rates

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// ErrUnknownRole is returned when a role has no entry in the table.
var ErrUnknownRole = errors.New("unknown role")

// Table maps a role name to an hourly rate. A Table is never mutated after
// construction.
type Table struct {
	rates map[string]float64
}

// DefaultRates is the built-in role table used when no file is configured.
var DefaultRates = map[string]float64{
	"intern":     25,
	"engineer":   90,
	"designer":   85,
	"product":    100,
	"manager":    120,
	"director":   160,
	"executive":  250,
	"contractor": 110,
}

// NewTable copies m into a new Table. Negative or non-finite rates and blank
// role names are rejected.
func NewTable(m map[string]float64) (Table, error) {
	rates := make(map[string]float64, len(m))
	for role, rate := range m {
		key := normalize(role)
		if key == "" {
			return Table{}, fmt.Errorf("role name is empty")
		}
		if math.IsNaN(rate) || math.IsInf(rate, 0) {
			return Table{}, fmt.Errorf("role %q has non-finite rate %v", role, rate)
		}
		if rate < 0 {
			return Table{}, fmt.Errorf("role %q has negative rate %v", role, rate)
		}
		rates[key] = rate
	}
	return Table{rates: rates}, nil
}

// Default returns the built-in table.
func Default() Table {
	t, _ := NewTable(DefaultRates)
	return t
}

// Rate returns the hourly rate for role.
func (t Table) Rate(role string) (float64, error) {
	rate, ok := t.rates[normalize(role)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return rate, nil
}

// Has reports whether role is present.
func (t Table) Has(role string) bool {
	_, ok := t.rates[normalize(role)]
	return ok
}

// Roles returns the role names in alphabetical order.
func (t Table) Roles() []string {
	roles := make([]string, 0, len(t.rates))
	for role := range t.rates {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Len returns the number of roles.
func (t Table) Len() int {
	return len(t.rates)
}

func normalize(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// fileFormat is the YAML layout of a rates file:
//
//	roles:
//	  engineer: 90
//	  manager: 120
type fileFormat struct {
	Roles map[string]float64 `yaml:"roles"`
}

// LoadFile reads a YAML rates file.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("failed to read rates file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Table{}, fmt.Errorf("failed to parse rates file: %w", err)
	}
	if len(f.Roles) == 0 {
		return Table{}, fmt.Errorf("rates file %s defines no roles", path)
	}
	return NewTable(f.Roles)
}

// Lookup is what the participant registry needs: the table current at the
// moment a participant is added.
type Lookup interface {
	Current() Table
}

// Source holds the current table and lets a watcher swap it atomically.
type Source struct {
	current atomic.Pointer[Table]
}

// NewSource creates a source seeded with t.
func NewSource(t Table) *Source {
	s := &Source{}
	s.Store(t)
	return s
}

// Current returns the table in effect.
func (s *Source) Current() Table {
	return *s.current.Load()
}

// Store replaces the table in effect. Participants already added keep the
// rate they were created with.
func (s *Source) Store(t Table) {
	s.current.Store(&t)
}
