package model

import "time"

// RunState is a pipeline run's lifecycle state.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// PipelineRun is the persisted record of a completed run.
type PipelineRun struct {
	RunID          string    `json:"run_id"`
	Seed           uint64    `json:"seed"`
	CreatedAt      time.Time `json:"created_at"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	DataSnapshotID string    `json:"data_snapshot_id"`
	MTAVersion     string    `json:"mta_version"`
	MMMVersion     string    `json:"mmm_version"`

	Diagnostics *MMMDiagnostics     `json:"mmm_diagnostics,omitempty"`
	Attribution *AttributionSummary `json:"attribution_summary,omitempty"`
}

// Window returns the run's data window.
func (r PipelineRun) Window() Window {
	return NewWindow(r.WindowStart, r.WindowEnd)
}

// RunArtifacts is everything committed for a run in one transaction.
type RunArtifacts struct {
	Run            PipelineRun          `json:"run"`
	MMMResults     []MMMResult          `json:"mmm_results"`
	Attribution    []AttributionEvent   `json:"attribution_events"`
	Metrics        []UnifiedMetricRow   `json:"unified_metrics"`
	Reconciliation ReconciliationReport `json:"reconciliation"`
	Decisions      []Decision           `json:"decisions"`
}

// RunEvent is the terminal notification for a run.
type RunEvent struct {
	Event     string    `json:"event"`
	RunID     string    `json:"run_id"`
	Status    RunState  `json:"status"`
	ErrorCode string    `json:"error_code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPipelineFinished names the single terminal event of every run,
// whatever its final status.
const EventPipelineFinished = "pipeline_finished"

// RunContext is the live view of a run, returned by triggers and status
// queries. It is a snapshot; callers never share it with the orchestrator.
type RunContext struct {
	RunID          string     `json:"run_id"`
	Seed           uint64     `json:"seed"`
	SnapshotKey    string     `json:"snapshot_key"`
	WindowStart    time.Time  `json:"window_start"`
	WindowEnd      time.Time  `json:"window_end"`
	MTAMode        MTAMode    `json:"mta_mode"`
	State          RunState   `json:"status"`
	Stage          string     `json:"stage,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	DataSnapshotID string     `json:"data_snapshot_id,omitempty"`
	MTAVersion     string     `json:"mta_version,omitempty"`
	MMMVersion     string     `json:"mmm_version,omitempty"`
}

// Event builds the terminal notification for rc.
func (rc RunContext) Event(now time.Time) RunEvent {
	return RunEvent{
		Event:     EventPipelineFinished,
		RunID:     rc.RunID,
		Status:    rc.State,
		ErrorCode: rc.ErrorCode,
		Message:   rc.ErrorMessage,
		Timestamp: now,
	}
}
