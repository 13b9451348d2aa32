package model

import "time"

// RunStatus is the lifecycle state of a backfill run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunError   RunStatus = "error"
)

// BackfillRun is the audit record for one historical load. Rows are
// append-only from the consumer side; only the worker that owns a run
// transitions it.
type BackfillRun struct {
	ID           int64      `json:"id"`
	Symbol       string     `json:"symbol"`
	Interval     string     `json:"interval"`
	FromOpenTime int64      `json:"from_open_time"`
	ToOpenTime   int64      `json:"to_open_time"`
	ExpectedBars int64      `json:"expected_bars"`
	LoadedBars   int64      `json:"loaded_bars"`
	Status       RunStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Progress returns loaded/expected clamped to [0,1], 0 when expected is 0.
func (r *BackfillRun) Progress() float64 {
	if r.ExpectedBars <= 0 {
		return 0
	}
	p := float64(r.LoadedBars) / float64(r.ExpectedBars)
	if p > 1 {
		return 1
	}
	return p
}
