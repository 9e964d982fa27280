package topics

import "sync/atomic"

// Stats counts reconciler work for observability.
type Stats struct {
	switches    atomic.Int64
	tabsHidden  atomic.Int64
	tabsShown   atomic.Int64
	tabsCreated atomic.Int64
	corrections atomic.Int64
	events      atomic.Int64

	platformFailures atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Switches    int64 `json:"switches"`
	TabsHidden  int64 `json:"tabs_hidden"`
	TabsShown   int64 `json:"tabs_shown"`
	TabsCreated int64 `json:"tabs_created"`
	Corrections int64 `json:"corrections"`
	Events      int64 `json:"events"`

	PlatformFailures int64 `json:"platform_failures"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Switches:    s.switches.Load(),
		TabsHidden:  s.tabsHidden.Load(),
		TabsShown:   s.tabsShown.Load(),
		TabsCreated: s.tabsCreated.Load(),
		Corrections: s.corrections.Load(),
		Events:      s.events.Load(),

		PlatformFailures: s.platformFailures.Load(),
	}
}
