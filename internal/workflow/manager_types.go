package workflow

import (
	"time"

	"radonflow/internal/dispatch"
)

// StatusSummary represents lightweight scheduler diagnostics.
type StatusSummary struct {
	Running        bool
	Paused         map[string]bool
	Enabled        map[string]bool
	StoreAvailable bool
	StoreRetryAt   time.Time
	Cycles         int64
	LastCycleAt    time.Time
	Dispatched     int64
	Outcomes       map[string]int64
	LastError      string
	Capacity       int
	Available      int
	Workers        []dispatch.HandleInfo
	StageHealth    map[string]StageHealth
}

// storeState tracks the catalog outage backoff.
type storeState struct {
	down      bool
	downSince time.Time
	backoff   time.Duration
	retryAt   time.Time
}
