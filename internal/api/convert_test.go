package api

import (
	"testing"
	"time"

	"radonflow/internal/catalog"
	"radonflow/internal/workflow"
)

func TestFromRecordDetail(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	detail := &catalog.RecordDetail{
		Record: catalog.Record{ID: 7, ExternalID: "J0001", Status: catalog.StatusPending, FailedAttempts: 2, CreatedAt: now},
		Bands: []catalog.BandDetail{
			{
				Band:        catalog.Band{Code: "g", Locations: catalog.Locations{BinID: 3, BatchID: 4, FitsIndex: 5}},
				Measurement: catalog.Measurement{HasData: true, Degree: 12.5, TotalError: 3, RunningCount: 4},
				Attempts: []catalog.Attempt{{
					Key:            catalog.ItemKey{RecordID: 7, Band: "g", Stage: catalog.StageAugment},
					FailedAttempts: 2,
					LastError:      "timeout",
				}},
			},
			{
				Band:        catalog.Band{Code: "r", HasError: true},
				Measurement: catalog.Measurement{},
			},
		},
	}

	view := FromRecordDetail(detail, 4)
	if view.Status != "pending" {
		t.Fatalf("status = %q, want pending", view.Status)
	}
	if view.CreatedAt != "2026-03-01T12:00:00.000Z" {
		t.Fatalf("createdAt = %q", view.CreatedAt)
	}
	if len(view.Bands) != 2 {
		t.Fatalf("expected 2 bands, got %d", len(view.Bands))
	}
	g := view.Bands[0]
	if g.Measurement.AverageError == nil || *g.Measurement.AverageError != 0.75 {
		t.Fatalf("average error = %v, want 0.75", g.Measurement.AverageError)
	}
	if !g.Measurement.Converged {
		t.Fatalf("band at the cap should be converged")
	}
	if g.FitsIndex != 5 || len(g.Attempts) != 1 || g.Attempts[0].Stage != "augment" {
		t.Fatalf("unexpected band view: %+v", g)
	}
	r := view.Bands[1]
	if r.Measurement.AverageError != nil || r.Measurement.Converged || !r.HasError {
		t.Fatalf("unexpected empty band view: %+v", r)
	}
	if got := FromRecordDetail(nil, 4); got.ExternalID != "" {
		t.Fatalf("nil detail should convert to zero view")
	}
}

func TestFromSummary(t *testing.T) {
	stats := catalog.Summary{
		Records: map[catalog.Status]int{catalog.StatusPending: 3, catalog.StatusFailed: 1},
		Total:   4,
		Bands:   8,
		Samples: 120,
	}
	eligible := map[catalog.Stage]int{catalog.StageFetch: 2, catalog.StageAugment: 5}
	summary := FromSummary(stats, eligible, time.Time{})
	if summary.Records["pending"] != 3 || summary.Records["failed"] != 1 {
		t.Fatalf("unexpected record counts: %v", summary.Records)
	}
	if summary.Eligible["augment"] != 5 || summary.TotalRecords != 4 || summary.Samples != 120 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.GeneratedAt != "" {
		t.Fatalf("zero time should render empty, got %q", summary.GeneratedAt)
	}
}

func TestStageStatusesFollowPipelineOrder(t *testing.T) {
	summary := workflow.StatusSummary{
		Enabled: map[string]bool{"fetch": true, "radon": true},
		Paused:  map[string]bool{"radon": true},
		StageHealth: map[string]workflow.StageHealth{
			"fetch":   workflow.HealthyStage("fetch"),
			"augment": workflow.UnhealthyStage("augment", "disabled"),
		},
	}
	stages := StageStatuses(summary)
	if len(stages) != 3 || stages[0].Name != "fetch" || stages[2].Name != "augment" {
		t.Fatalf("unexpected order: %+v", stages)
	}
	if !stages[0].Ready || !stages[1].Paused || stages[2].Enabled || stages[2].Detail != "disabled" {
		t.Fatalf("unexpected stage statuses: %+v", stages)
	}
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:6500":       "http://127.0.0.1:6500",
		":6500":                "http://127.0.0.1:6500",
		"0.0.0.0:7000":         "http://127.0.0.1:7000",
		"http://example:80/":   "http://example:80",
		"radonflow.local:6500": "http://radonflow.local:6500",
	}
	for in, want := range cases {
		if got := BaseURL(in); got != want {
			t.Fatalf("BaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
