package calendar

import (
	"errors"
	"fmt"
	"strings"
)

// Stage is one phase of an item's growth, e.g. germination or growing.
type Stage struct {
	Name string `json:"name"`
	Days int    `json:"days"`
}

// Profile is the ordered list of stages an item passes through between
// production (seeding) and delivery (harvest).
type Profile []Stage

// Transfer marks the end of a stage: on Date the trays leave Stage.
// The last transfer of a profile always falls on the delivery date.
type Transfer struct {
	Stage string `json:"stage"`
	Date  Date   `json:"date"`
}

var errNoStages = errors.New("growth profile needs at least one stage")

// Validate checks the profile invariants: at least one stage, every stage
// named, no negative durations.
func (p Profile) Validate() error {
	if len(p) == 0 {
		return errNoStages
	}
	seen := make(map[string]bool, len(p))
	for i, s := range p {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("stage %d: name is required", i+1)
		}
		if s.Days < 0 {
			return fmt.Errorf("stage %q: days must not be negative", s.Name)
		}
		if seen[name] {
			return fmt.Errorf("stage %q: duplicate stage name", s.Name)
		}
		seen[name] = true
	}
	return nil
}

// TotalDays is the full growth period of the profile.
func (p Profile) TotalDays() int {
	total := 0
	for _, s := range p {
		total += s.Days
	}
	return total
}

// FirstStage returns the name of the stage that starts on the production date.
func (p Profile) FirstStage() string {
	if len(p) == 0 {
		return ""
	}
	return p[0].Name
}

// ProductionDate returns the date work has to start for a delivery on
// delivery: the delivery date minus the profile's total growth period.
func ProductionDate(delivery Date, p Profile) Date {
	return delivery.AddDays(-p.TotalDays())
}

// StageTransfers walks the stages forward from the production date and
// returns the end date of each stage. Zero-day stages produce a transfer on
// the same date as the one before them.
func StageTransfers(delivery Date, p Profile) []Transfer {
	transfers := make([]Transfer, 0, len(p))
	at := ProductionDate(delivery, p)
	for _, s := range p {
		at = at.AddDays(s.Days)
		transfers = append(transfers, Transfer{Stage: s.Name, Date: at})
	}
	return transfers
}
