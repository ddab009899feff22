package services_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"radonflow/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrTimeout, "radon", "wait", "deadline exceeded", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrTimeout) || !errors.Is(err, services.ErrTransientWorker) {
		t.Fatalf("expected timeout marker and its parent to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"radon", "wait", "deadline exceeded"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransientWorker) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "pipeline failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		kind     services.Kind
		consumes bool
	}{
		{"nil", nil, services.KindNone, false},
		{"timeout", services.Wrap(services.ErrTimeout, "fetch", "wait", "", nil), services.KindTransient, true},
		{"crash", services.ErrWorkerCrash, services.KindTransient, true},
		{"malformed", services.ErrMalformedResult, services.KindTransient, true},
		{"unknown", errors.New("io"), services.KindTransient, true},
		{"contention", fmt.Errorf("acquire: %w", services.ErrLeaseContention), services.KindLeaseContention, false},
		{"store", services.Wrap(services.ErrStoreUnavailable, "", "open", "", nil), services.KindStoreUnavailable, false},
		{"permanent", services.ErrPermanent, services.KindPermanent, true},
		{"validation", services.ErrValidation, services.KindValidation, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.Classify(tc.err); got != tc.kind {
				t.Fatalf("Classify = %q, want %q", got, tc.kind)
			}
			if got := services.ConsumesAttempt(tc.err); got != tc.consumes {
				t.Fatalf("ConsumesAttempt = %v, want %v", got, tc.consumes)
			}
		})
	}
}
