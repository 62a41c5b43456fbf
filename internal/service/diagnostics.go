package service

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/mixsignal/internal/model"
)

// MTADiagnostics describes how a run's revenue was attributed.
type MTADiagnostics struct {
	RunID          string                    `json:"run_id"`
	MTAVersion     string                    `json:"mta_version"`
	Summary        *model.AttributionSummary `json:"summary,omitempty"`
	AttributedRate float64                   `json:"attributed_rate"`
	ChannelRevenue map[string]float64        `json:"channel_revenue"`
}

// MTADiagnostics reports attribution coverage for runID, or for the latest run.
func (s *Service) MTADiagnostics(ctx context.Context, runID string) (*MTADiagnostics, error) {
	data, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := &MTADiagnostics{
		RunID:          data.run.RunID,
		MTAVersion:     data.run.MTAVersion,
		Summary:        data.run.Attribution,
		ChannelRevenue: map[string]float64{},
	}
	if sum := data.run.Attribution; sum != nil && sum.TotalRevenue > 0 {
		out.AttributedRate = sum.AttributedRevenue / sum.TotalRevenue
	}
	for _, r := range data.metrics {
		out.ChannelRevenue[r.Channel] += r.AttributedRevenue
	}
	return out, nil
}

// MMMDiagnostics is the fit quality of a run's model plus per-channel terms.
type MMMDiagnostics struct {
	RunID      string                `json:"run_id"`
	MMMVersion string                `json:"mmm_version"`
	Fit        *model.MMMDiagnostics `json:"fit,omitempty"`
	MaxVIF     float64               `json:"max_vif"`
	Channels   []model.MMMResult     `json:"channels"`
}

// MMMDiagnostics reports fit statistics for runID, or for the latest run.
func (s *Service) MMMDiagnostics(ctx context.Context, runID string) (*MMMDiagnostics, error) {
	data, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := &MMMDiagnostics{
		RunID:      data.run.RunID,
		MMMVersion: data.run.MMMVersion,
		Fit:        data.run.Diagnostics,
		Channels:   append([]model.MMMResult(nil), data.results...),
	}
	for _, r := range data.results {
		out.MaxVIF = max(out.MaxVIF, r.VIF)
	}
	return out, nil
}

// ModelInfo identifies the models and data behind the latest run.
type ModelInfo struct {
	Status         string     `json:"status"`
	RunID          string     `json:"run_id,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	Seed           uint64     `json:"seed,omitempty"`
	MTAVersion     string     `json:"mta_version,omitempty"`
	MMMVersion     string     `json:"mmm_version,omitempty"`
	DataSnapshotID string     `json:"data_snapshot_id,omitempty"`
}

// ModelInfo returns version metadata of the latest committed run.
func (s *Service) ModelInfo(ctx context.Context) (*ModelInfo, error) {
	latest, err := s.store.LatestRun(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return &ModelInfo{Status: StatusNeverRun}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ModelInfo{
		Status:         string(model.RunCompleted),
		RunID:          latest.RunID,
		CreatedAt:      &latest.CreatedAt,
		Seed:           latest.Seed,
		MTAVersion:     latest.MTAVersion,
		MMMVersion:     latest.MMMVersion,
		DataSnapshotID: latest.DataSnapshotID,
	}, nil
}
