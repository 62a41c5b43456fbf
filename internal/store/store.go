// Package store persists committed pipeline runs and their artifacts.
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mixsignal/internal/model"
)

// MetricsFilter selects unified metric rows.
type MetricsFilter struct {
	RunID   string    `json:"run_id,omitempty"`
	Start   time.Time `json:"start,omitempty"`
	End     time.Time `json:"end,omitempty"`
	Channel string    `json:"channel,omitempty"`
}

// DecisionFilter selects decisions. An empty RunID spans all runs.
type DecisionFilter struct {
	RunID  string               `json:"run_id,omitempty"`
	Status model.DecisionStatus `json:"status,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
}

// Store defines the persistence interface for pipeline runs.
type Store interface {
	// Runs
	CommitRun(ctx context.Context, a *model.RunArtifacts) error
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	LatestRun(ctx context.Context) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error)

	// Artifacts
	ListMMMResults(ctx context.Context, runID string) ([]model.MMMResult, error)
	ListAttributionEvents(ctx context.Context, runID string) ([]model.AttributionEvent, error)
	ListUnifiedMetrics(ctx context.Context, f MetricsFilter) ([]model.UnifiedMetricRow, error)
	GetReconciliation(ctx context.Context, runID string) (*model.ReconciliationReport, error)

	// Decisions
	ListDecisions(ctx context.Context, f DecisionFilter) ([]model.Decision, error)
	GetDecision(ctx context.Context, decisionID string) (*model.Decision, error)
	UpdateDecisionStatus(ctx context.Context, decisionID string, status model.DecisionStatus) (*model.Decision, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns a store for the named driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		if dsn == "" {
			dsn = "mixsignal.db"
		}
		return NewSQLite(dsn)
	case "postgres", "postgresql", "pg":
		return NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

const defaultListLimit = 100

// checkArtifacts verifies every artifact belongs to the run being committed.
func checkArtifacts(a *model.RunArtifacts) error {
	if a == nil || a.Run.RunID == "" {
		return model.NewInvalidInput("store: run artifacts without run id")
	}
	id := a.Run.RunID
	mismatch := func(kind, got string) error {
		return model.NewDataIntegrity(id, "%s belongs to run %q", kind, got)
	}
	for _, r := range a.MMMResults {
		if r.RunID != id {
			return mismatch("mmm result "+r.Channel, r.RunID)
		}
	}
	for _, e := range a.Attribution {
		if e.RunID != id {
			return mismatch("attribution event "+e.EventID, e.RunID)
		}
	}
	for _, m := range a.Metrics {
		if m.RunID != id {
			return mismatch("metric row "+m.Channel, m.RunID)
		}
	}
	if a.Reconciliation.RunID != id {
		return mismatch("reconciliation", a.Reconciliation.RunID)
	}
	for _, d := range a.Decisions {
		if d.RunID != id {
			return mismatch("decision "+d.Channel, d.RunID)
		}
	}
	return nil
}

func notFound(kind, id string) error {
	return eris.Wrapf(model.ErrNotFound, "%s %s", kind, id)
}

// transitionError rejects a status change the decision lifecycle forbids.
func transitionError(id string, from, to model.DecisionStatus) error {
	return model.NewInvalidInput("decision %s is %s and cannot become %s", id, from, to)
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, eris.Wrap(err, "store: marshal json")
}

// nullableJSON marshals v unless it is nil.
func nullableJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return marshalJSON(v)
}

func unmarshalJSON[T any](b []byte) (*T, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal json")
	}
	return &v, nil
}

func riskFlags(b []byte) ([]string, error) {
	flags, err := unmarshalJSON[[]string](b)
	if err != nil || flags == nil {
		return []string{}, err
	}
	return *flags, nil
}

// reconciliationRows flattens a report into one row per channel.
func reconciliationRows(r *model.ReconciliationReport) [][]any {
	rows := make([][]any, 0, len(r.Channels))
	for _, c := range r.Channels {
		rows = append(rows, []any{r.RunID, c.Channel, c.AttributionShare, c.MMMShare, c.AbsDiff, c.InBoth})
	}
	return rows
}
