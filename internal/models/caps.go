package models

import "time"

// DeviceCaps tunes how aggressively history is fetched. The host app
// supplies a conservative profile on low-end devices and slow networks.
type DeviceCaps struct {
	Constrained              bool `yaml:"constrained" json:"constrained"`
	PrefetchAllowed          bool `yaml:"prefetch_allowed" json:"prefetchAllowed"`
	HistoryPrefetchLimit     int  `yaml:"history_prefetch_limit" json:"historyPrefetchLimit"`
	HistoryWarmupLimit       int  `yaml:"history_warmup_limit" json:"historyWarmupLimit"`
	HistoryWarmupPageLimit   int  `yaml:"history_warmup_page_limit" json:"historyWarmupPageLimit"`
	HistoryWarmupConcurrency int  `yaml:"history_warmup_concurrency" json:"historyWarmupConcurrency"`
	HistoryWarmupDelayMs     int  `yaml:"history_warmup_delay_ms" json:"historyWarmupDelayMs"`
	HistoryRequestTimeoutMs  int  `yaml:"history_request_timeout_ms" json:"historyRequestTimeoutMs"`
}

// DefaultDeviceCaps is the profile used when the host supplies none.
func DefaultDeviceCaps() DeviceCaps {
	return DeviceCaps{
		Constrained:              false,
		PrefetchAllowed:          true,
		HistoryPrefetchLimit:     200,
		HistoryWarmupLimit:       12,
		HistoryWarmupPageLimit:   50,
		HistoryWarmupConcurrency: 2,
		HistoryWarmupDelayMs:     400,
		HistoryRequestTimeoutMs:  12000,
	}
}

// ConstrainedDeviceCaps is the profile for low-memory devices and
// metered networks: no prefetch, a short warmup queue, single-slot drain.
func ConstrainedDeviceCaps() DeviceCaps {
	return DeviceCaps{
		Constrained:              true,
		PrefetchAllowed:          false,
		HistoryPrefetchLimit:     60,
		HistoryWarmupLimit:       4,
		HistoryWarmupPageLimit:   30,
		HistoryWarmupConcurrency: 1,
		HistoryWarmupDelayMs:     1200,
		HistoryRequestTimeoutMs:  20000,
	}
}

// RequestTimeout returns HistoryRequestTimeoutMs as a duration.
func (c DeviceCaps) RequestTimeout() time.Duration {
	return time.Duration(c.HistoryRequestTimeoutMs) * time.Millisecond
}

// WarmupDelay returns HistoryWarmupDelayMs as a duration.
func (c DeviceCaps) WarmupDelay() time.Duration {
	return time.Duration(c.HistoryWarmupDelayMs) * time.Millisecond
}
