package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Aman-CERP/unisearch/internal/indexing"
	"github.com/Aman-CERP/unisearch/internal/perf"
	"github.com/Aman-CERP/unisearch/internal/provider"
	"github.com/Aman-CERP/unisearch/internal/store"
	"github.com/Aman-CERP/unisearch/internal/telemetry"
)

// Overall service states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Health score bands.
const (
	healthyScore  = 80.0
	degradedScore = 50.0
)

// ServiceStatus is the health report of the whole engine.
type ServiceStatus struct {
	Status          string                `json:"status"`
	HealthScore     float64               `json:"health_score"`
	CheckedAt       time.Time             `json:"checked_at"`
	Index           store.Stats           `json:"index"`
	Documents       map[string]int64      `json:"documents_by_source"`
	Indexing        indexing.Status       `json:"indexing"`
	Providers       []provider.Health     `json:"providers"`
	LastSync        *provider.CycleReport `json:"last_sync,omitempty"`
	Performance     perf.Snapshot         `json:"performance"`
	Cache           CacheStats            `json:"cache"`
	Admission       AdmissionStats        `json:"admission"`
	Recommendations perf.Recommendations  `json:"recommendations"`
	Problems        []string              `json:"problems,omitempty"`
}

// HealthStatus reports index, pipeline, provider and latency health.
// Failures that never reach the query path (dead letters, unhealthy
// sources, commit errors) are surfaced here.
func (e *Engine) HealthStatus(ctx context.Context) ServiceStatus {
	cache := e.cache.Stats()
	st := ServiceStatus{
		CheckedAt:   e.now(),
		Index:       e.index.Stats(),
		Indexing:    e.indexer.Status(),
		Providers:   e.providers.HealthAll(),
		Performance: e.monitor.Snapshot(),
		Cache:       cache,
		Admission:   e.admission.stats(),
	}
	st.HealthScore = st.Performance.HealthScore
	st.Recommendations = e.monitor.Recommendations(cache.HitRate)
	if r, ok := e.LastSync(); ok {
		st.LastSync = &r
	}

	docs, err := e.meta.DocumentsBySource(ctx)
	if err != nil {
		e.logger.Warn("documents_by_source_failed", slog.String("error", err.Error()))
		st.Problems = append(st.Problems, "metadata store unavailable: "+err.Error())
	}
	st.Documents = docs

	if e.closed.Load() {
		st.Problems = append(st.Problems, "engine closed")
	}
	for _, h := range st.Providers {
		if !h.Healthy {
			msg := "provider " + h.Source + " is " + h.Circuit
			if h.LastError != "" {
				msg += ": " + h.LastError
			}
			st.Problems = append(st.Problems, msg)
		}
	}
	if st.Indexing.DeadLetters > 0 {
		st.Problems = append(st.Problems, fmt.Sprintf("%d dead-lettered tasks", st.Indexing.DeadLetters))
	}
	if st.Indexing.Unrecorded > 0 {
		st.Problems = append(st.Problems, fmt.Sprintf("%d committed hashes not recorded in the ledger", st.Indexing.Unrecorded))
	}
	if st.Indexing.LastError != "" {
		st.Problems = append(st.Problems, "last commit error: "+st.Indexing.LastError)
	}

	switch {
	case e.closed.Load() || st.HealthScore < degradedScore:
		st.Status = StatusUnhealthy
	case st.HealthScore < healthyScore || len(st.Problems) > 0:
		st.Status = StatusDegraded
	default:
		st.Status = StatusHealthy
	}
	return st
}

// SourceStats is the per-source view in analytics.
type SourceStats struct {
	Source         string    `json:"source"`
	Documents      int64     `json:"documents"`
	Queries        int64     `json:"queries"`
	Healthy        bool      `json:"healthy"`
	DocsSynced     int64     `json:"docs_synced"`
	RecordsDropped int64     `json:"records_dropped"`
	LastSyncAt     time.Time `json:"last_sync_at,omitempty"`
}

// Analytics is the usage and performance report.
type Analytics struct {
	Usage       telemetry.Snapshot `json:"usage"`
	Performance perf.Snapshot      `json:"performance"`
	Cache       CacheStats         `json:"cache"`
	Sources     []SourceStats      `json:"sources"`
}

// topAnalytics bounds popular queries and terms in a report.
const topAnalytics = 10

// GetAnalytics aggregates the query log, latency percentiles and per-source
// statistics.
func (e *Engine) GetAnalytics(ctx context.Context) (Analytics, error) {
	a := Analytics{
		Usage:       e.analytics.Snapshot(topAnalytics),
		Performance: e.monitor.Snapshot(),
		Cache:       e.cache.Stats(),
	}

	docs, err := e.meta.DocumentsBySource(ctx)
	if err != nil {
		return a, err
	}
	bySource := make(map[string]*SourceStats)
	get := func(src string) *SourceStats {
		s, ok := bySource[src]
		if !ok {
			s = &SourceStats{Source: src, Healthy: true}
			bySource[src] = s
		}
		return s
	}
	for src, n := range docs {
		get(src).Documents = n
	}
	for src, n := range a.Usage.SourceUsage {
		get(src).Queries = n
	}
	for _, h := range e.providers.HealthAll() {
		s := get(h.Source)
		s.Healthy = h.Healthy
		s.DocsSynced = h.DocsSynced
		s.RecordsDropped = h.RecordsDropped
		s.LastSyncAt = h.LastSyncAt
	}

	a.Sources = make([]SourceStats, 0, len(bySource))
	for _, s := range bySource {
		a.Sources = append(a.Sources, *s)
	}
	sort.Slice(a.Sources, func(i, j int) bool { return a.Sources[i].Source < a.Sources[j].Source })
	return a, nil
}
