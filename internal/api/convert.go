package api

import (
	"sort"
	"strings"
	"time"

	"radonflow/internal/catalog"
	"radonflow/internal/config"
	"radonflow/internal/dispatch"
	"radonflow/internal/workflow"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// FromHandleInfo converts a running worker handle.
func FromHandleInfo(info dispatch.HandleInfo) Worker {
	return Worker{
		RecordID:   info.Key.RecordID,
		ExternalID: info.ExternalID,
		Band:       info.Key.Band,
		Stage:      string(info.Key.Stage),
		PID:        info.PID,
		StartedAt:  formatTime(info.StartedAt),
		Deadline:   formatTime(info.Deadline),
		LeaseToken: info.Lease.Token,
		LeaseUntil: formatTime(info.Lease.ExpiresAt),
	}
}

// FromHandleInfos converts a worker list, keeping its order.
func FromHandleInfos(infos []dispatch.HandleInfo) []Worker {
	workers := make([]Worker, 0, len(infos))
	for _, info := range infos {
		workers = append(workers, FromHandleInfo(info))
	}
	return workers
}

// FromStatusSummary converts scheduler diagnostics.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	status := WorkflowStatus{
		Running:        summary.Running,
		StoreAvailable: summary.StoreAvailable,
		Cycles:         summary.Cycles,
		LastCycleAt:    formatTime(summary.LastCycleAt),
		Dispatched:     summary.Dispatched,
		Outcomes:       summary.Outcomes,
		LastError:      summary.LastError,
		Capacity:       summary.Capacity,
		Available:      summary.Available,
		Stages:         StageStatuses(summary),
		Workers:        FromHandleInfos(summary.Workers),
	}
	if !summary.StoreAvailable {
		status.StoreRetryAt = formatTime(summary.StoreRetryAt)
	}
	if status.Outcomes == nil {
		status.Outcomes = map[string]int64{}
	}
	return status
}

// StageStatuses lists stages in pipeline order.
func StageStatuses(summary workflow.StatusSummary) []StageStatus {
	stages := make([]StageStatus, 0, len(config.StageNames))
	for _, name := range config.StageNames {
		st := StageStatus{
			Name:    name,
			Enabled: summary.Enabled[name],
			Paused:  summary.Paused[name],
		}
		if health, ok := summary.StageHealth[name]; ok {
			st.Ready = health.Ready
			st.Detail = health.Detail
		}
		stages = append(stages, st)
	}
	return stages
}

func fromAttempt(a catalog.Attempt) Attempt {
	return Attempt{
		Band:           a.Key.Band,
		Stage:          string(a.Key.Stage),
		FailedAttempts: a.FailedAttempts,
		NextEligibleAt: formatTime(a.NextEligibleAt),
		LastError:      a.LastError,
	}
}

// FromMeasurement converts a band's rotation aggregate. limit is the
// convergence cap.
func FromMeasurement(m catalog.Measurement, limit int) Measurement {
	view := Measurement{
		HasData:      m.HasData,
		Degree:       m.Degree,
		TotalError:   m.TotalError,
		RunningCount: m.RunningCount,
		Converged:    limit > 0 && m.RunningCount >= limit,
		UpdatedAt:    formatTime(m.UpdatedAt),
	}
	if avg, ok := m.AverageError(); ok {
		view.AverageError = &avg
	}
	return view
}

// FromRecordDetail converts the full status view of a record.
func FromRecordDetail(detail *catalog.RecordDetail, limit int) RecordView {
	if detail == nil {
		return RecordView{}
	}
	rec := detail.Record
	view := RecordView{
		ID:             rec.ID,
		ExternalID:     rec.ExternalID,
		RA:             rec.RA,
		Dec:            rec.Dec,
		Probability:    rec.Probability,
		BinID:          rec.BinID,
		Status:         strings.ToLower(string(rec.Status)),
		FailedAttempts: rec.FailedAttempts,
		CreatedAt:      formatTime(rec.CreatedAt),
		UpdatedAt:      formatTime(rec.UpdatedAt),
		Bands:          make([]BandView, 0, len(detail.Bands)),
	}
	for _, b := range detail.Bands {
		bv := BandView{
			Code:        b.Band.Code,
			BinID:       b.Band.Locations.BinID,
			BatchID:     b.Band.Locations.BatchID,
			FitsIndex:   b.Band.Locations.FitsIndex,
			HasError:    b.Band.HasError,
			Measurement: FromMeasurement(b.Measurement, limit),
		}
		for _, a := range b.Attempts {
			bv.Attempts = append(bv.Attempts, fromAttempt(a))
		}
		view.Bands = append(view.Bands, bv)
	}
	for _, a := range detail.Attempts {
		view.Attempts = append(view.Attempts, fromAttempt(a))
	}
	for _, l := range detail.Leases {
		view.Leases = append(view.Leases, Lease{
			Band:      l.Key.Band,
			Stage:     string(l.Key.Stage),
			Owner:     l.Owner,
			ExpiresAt: formatTime(l.ExpiresAt),
		})
	}
	return view
}

// FromSummary combines catalog tallies with per-stage eligible counts.
func FromSummary(stats catalog.Summary, eligible map[catalog.Stage]int, generated time.Time) Summary {
	summary := Summary{
		Eligible:       make(map[string]int, len(eligible)),
		Records:        make(map[string]int, len(stats.Records)),
		TotalRecords:   stats.Total,
		Bands:          stats.Bands,
		BandsWithData:  stats.BandsWithData,
		BandsConverged: stats.BandsConverged,
		BandsErrored:   stats.BandsErrored,
		Samples:        stats.Samples,
		ActiveLeases:   stats.ActiveLeases,
		GeneratedAt:    formatTime(generated),
	}
	for stage, n := range eligible {
		summary.Eligible[string(stage)] = n
	}
	for status, n := range stats.Records {
		summary.Records[strings.ToLower(string(status))] = n
	}
	return summary
}

// SortedKeys returns the keys of counts in ascending order.
func SortedKeys[V any](counts map[string]V) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
