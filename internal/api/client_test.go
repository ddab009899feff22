package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"radonflow/internal/services"
)

func TestClientRoundTrips(t *testing.T) {
	var gotAuth, gotRequestID, gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get(RequestIDHeader)
		gotPath = r.URL.Path
		gotMethod = r.Method
		switch r.URL.Path {
		case "/api/records/missing":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "record not found"})
		case "/api/stages/nope/pause":
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "unknown stage"})
		case "/api/workers":
			_ = json.NewEncoder(w).Encode(WorkersResponse{Workers: []Worker{{ExternalID: "J1", Stage: "radon", PID: 42}}})
		default:
			_ = json.NewEncoder(w).Encode(ActionResponse{OK: true, Message: "ok"})
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")
	ctx := context.Background()

	workers, err := client.Workers(ctx)
	if err != nil {
		t.Fatalf("Workers: %v", err)
	}
	if len(workers) != 1 || workers[0].PID != 42 {
		t.Fatalf("unexpected workers: %+v", workers)
	}
	if gotAuth != "Bearer secret" || gotRequestID == "" {
		t.Fatalf("missing headers: auth=%q request_id=%q", gotAuth, gotRequestID)
	}

	if _, err := client.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/cycle" {
		t.Fatalf("Cycle sent %s %s", gotMethod, gotPath)
	}

	if _, err := client.Record(ctx, "missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := client.Pause(ctx, "nope"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestClientDaemonUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewClient(addr, "").Status(context.Background())
	if !errors.Is(err, ErrDaemonUnavailable) {
		t.Fatalf("expected ErrDaemonUnavailable, got %v", err)
	}
}
