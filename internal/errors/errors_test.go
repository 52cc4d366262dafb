// Package errors tests for error codes and sync failure classification.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatus() int { return int(s) }

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: New(ErrInternal, "something failed"),
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: Wrap(ErrDatabase, "query failed", errors.New("disk full")),
			want:     "[DATABASE_ERROR] query failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestIs verifies code matching through wrapping.
func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrQueueFull, "full"))
	if !Is(err, ErrQueueFull) {
		t.Error("Is() should see through fmt wrapping")
	}
	if Is(err, ErrInternal) {
		t.Error("Is() matched the wrong code")
	}

	syncErr := NewSync(KindAuth, "push", "authentication failed")
	if !Is(fmt.Errorf("x: %w", syncErr), ErrSyncAuthFailed) {
		t.Error("Is() should match SyncError codes")
	}
	if Is(nil, ErrInternal) {
		t.Error("Is(nil) should be false")
	}
}

// TestKindForStatus verifies HTTP status mapping.
func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{409, KindConflict},
		{400, KindValidation},
		{404, KindValidation},
		{422, KindValidation},
		{429, KindServer},
		{500, KindServer},
		{503, KindServer},
		{200, KindInternal},
	}

	for _, tt := range tests {
		if got := KindForStatus(tt.status); got != tt.want {
			t.Errorf("KindForStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

// TestClassify verifies classification of transport and typed errors.
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"wrapped deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), KindNetwork},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example"}, KindNetwork},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindNetwork},
		{"status 401", statusErr(401), KindAuth},
		{"wrapped 503", fmt.Errorf("push: %w", statusErr(503)), KindServer},
		{"sync error", NewSync(KindValidation, "push", "bad"), KindValidation},
		{"plain", errors.New("boom"), KindInternal},
		{"nil", nil, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestKind_Surfaced verifies notification policy per kind.
func TestKind_Surfaced(t *testing.T) {
	if !KindAuth.Surfaced(true) {
		t.Error("auth failures must be surfaced even in silent mode")
	}
	if KindNetwork.Surfaced(true) {
		t.Error("silent network failures must only be logged")
	}
	if !KindNetwork.Surfaced(false) {
		t.Error("non-silent network failures must be surfaced")
	}
	if KindConflict.Surfaced(false) {
		t.Error("conflicts are resolved outcomes, not notifications")
	}
	if !KindServer.Retryable() || KindValidation.Retryable() {
		t.Error("Retryable() mismatch")
	}
}

// TestWrapSync verifies kind propagation.
func TestWrapSync(t *testing.T) {
	inner := NewSync(KindAuth, "push", "authentication failed")
	outer := WrapSync("sync", "push stage failed", inner)
	if outer.Kind != KindAuth || outer.Code != ErrSyncAuthFailed {
		t.Errorf("WrapSync lost kind: %v %v", outer.Kind, outer.Code)
	}
	if !errors.Is(outer, inner) {
		t.Error("WrapSync should keep the chain")
	}

	netWrapped := WrapSync("pull", "fetch", context.DeadlineExceeded)
	if netWrapped.Kind != KindNetwork {
		t.Errorf("Kind = %v, want network", netWrapped.Kind)
	}
	if !strings.Contains(netWrapped.Error(), "pull: fetch") {
		t.Errorf("Error() = %q", netWrapped.Error())
	}
}

// TestMoreSevere verifies summary ordering.
func TestMoreSevere(t *testing.T) {
	if MoreSevere(KindValidation, KindNetwork) != KindNetwork {
		t.Error("network should outrank validation")
	}
	if MoreSevere(KindServer, KindNetwork) != KindServer {
		t.Error("server should outrank network")
	}
	if MoreSevere(KindInternal, KindValidation) != KindValidation {
		t.Error("validation should outrank internal")
	}
}
