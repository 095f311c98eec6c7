package schedule

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/unisearch/internal/search"
)

// Job names registered by Maintain.
const (
	JobSyncProviders = "sync_providers"
	JobOptimize      = "optimize_indices"
)

// Maintainer is the part of the engine the maintenance jobs drive.
type Maintainer interface {
	SyncProviders(ctx context.Context, sources ...string) (search.SyncReport, error)
	OptimizeIndices(ctx context.Context) error
}

// Maintain registers provider sync and index optimize on their specs.
// An empty spec leaves that job unscheduled.
func Maintain(s *Scheduler, m Maintainer, syncSpec, optimizeSpec string) error {
	if syncSpec != "" {
		job := JobFunc{JobName: JobSyncProviders, Fn: func(ctx context.Context) error {
			rep, err := m.SyncProviders(ctx)
			if err != nil {
				return err
			}
			if failed := rep.Failed(); len(failed) > 0 {
				s.logger.Warn("scheduled_sync_partial", slog.Any("failed", failed))
			}
			return nil
		}}
		if err := s.Add(job, syncSpec); err != nil {
			return err
		}
	}
	if optimizeSpec != "" {
		job := JobFunc{JobName: JobOptimize, Fn: m.OptimizeIndices}
		if err := s.Add(job, optimizeSpec); err != nil {
			return err
		}
	}
	return nil
}
