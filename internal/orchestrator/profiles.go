package orchestrator

import (
	"sort"
	"time"
)

// Profile is a named load preset. Flags given explicitly override it.
type Profile struct {
	RPS      int
	Duration time.Duration
	// Steps, when set, runs one test per RPS value in order; each step
	// gets its own test id suffixed with the rate.
	Steps []int
}

// profiles contains the built-in load presets.
var profiles = map[string]Profile{
	"smoke": {
		RPS:      10,
		Duration: 30 * time.Second,
	},
	"baseline": {
		RPS:      100,
		Duration: 5 * time.Minute,
	},
	"stress": {
		RPS:      1000,
		Duration: 10 * time.Minute,
	},
	"soak": {
		RPS:      200,
		Duration: time.Hour,
	},
	"ramp": {
		Duration: 3 * time.Minute,
		Steps:    []int{50, 100, 250, 500, 1000},
	},
}

// GetProfile returns the preset for name.
// Falls back to "baseline" if unknown.
func GetProfile(name string) Profile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles["baseline"]
}

// HasProfile reports whether name is a built-in preset.
func HasProfile(name string) bool {
	_, ok := profiles[name]
	return ok
}

// ProfileNames returns available profile names, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rates returns the RPS of every step, or the single rate.
func (p Profile) Rates() []int {
	if len(p.Steps) > 0 {
		return p.Steps
	}
	return []int{p.RPS}
}
