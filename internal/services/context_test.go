package services_test

import (
	"context"
	"testing"

	"radonflow/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithRecordID(ctx, "1237680066081236096")
	ctx = services.WithBand(ctx, "r")
	ctx = services.WithStage(ctx, "augment")
	ctx = services.WithAttempt(ctx, 3)
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.RecordIDFromContext(ctx); !ok || id != "1237680066081236096" {
		t.Fatalf("unexpected record id: %v %v", id, ok)
	}
	if band, ok := services.BandFromContext(ctx); !ok || band != "r" {
		t.Fatalf("unexpected band: %v %v", band, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "augment" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if attempt, ok := services.AttemptFromContext(ctx); !ok || attempt != 3 {
		t.Fatalf("unexpected attempt: %v %v", attempt, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	ctx = services.WithBand(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
	if _, ok := services.BandFromContext(ctx); ok {
		t.Fatal("expected no band value")
	}
	if _, ok := services.AttemptFromContext(ctx); ok {
		t.Fatal("expected no attempt value")
	}
}
