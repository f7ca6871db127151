package domain

import "time"

type SyncOutcome string

const (
	OutcomeOK            SyncOutcome = "ok"
	OutcomeBusy          SyncOutcome = "busy"
	OutcomeNotConfigured SyncOutcome = "not_configured"
	OutcomeOffline       SyncOutcome = "offline"
	OutcomeError         SyncOutcome = "error"
)

type KindResult struct {
	Pending int `json:"pending"`
	Pushed  int `json:"pushed"`
	Failed  int `json:"failed"`
}

// CycleResult summarises one sync cycle.
type CycleResult struct {
	Outcome   SyncOutcome               `json:"outcome"`
	Online    bool                      `json:"online"`
	Pushed    int                       `json:"pushed"`
	Failed    int                       `json:"failed"`
	PerKind   map[EntityKind]KindResult `json:"per_kind,omitempty"`
	StartedAt time.Time                 `json:"started_at"`
	Duration  time.Duration             `json:"duration_ns"`
	Error     string                    `json:"error,omitempty"`
}

// StatusEvent is the observable sync state pushed to shells.
type StatusEvent struct {
	Online       bool         `json:"online"`
	Syncing      bool         `json:"syncing"`
	LastSyncTime *time.Time   `json:"last_sync_time,omitempty"`
	Message      string       `json:"message"`
	LastResult   *CycleResult `json:"last_result,omitempty"`
	At           time.Time    `json:"at"`
}
