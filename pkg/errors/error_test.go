package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "execbox/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{InvalidParams, "Invalid parameters"},
		{ToolchainNotFound, "Required toolchain not found"},
		{DependencyResolutionFailed, "Failed to resolve shared library dependencies"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{ValidationFailed, 400},
		{UnsupportedTarget, 400},
		{PrivilegeRequired, 403},
		{NotFound, 404},
		{CompileFailure, 422},
		{TooManyRequests, 429},
		{InternalServerError, 500},
		{WorkspaceIOFailure, 500},
		{ToolchainNotFound, 503},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ToolchainNotFound, "toolchain %s not found", "rustc")

	want := "toolchain rustc not found"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
	if err.Code != ToolchainNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ToolchainNotFound)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("permission denied")
	wrappedErr := Wrap(originalErr, WorkspaceIOFailure)

	if wrappedErr.Code != WorkspaceIOFailure {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, WorkspaceIOFailure)
	}
	if wrappedErr.Unwrap() != originalErr {
		t.Error("Unwrap() should return original error")
	}
	if Wrap(nil, WorkspaceIOFailure) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{
			name: "nil error",
			err:  nil,
			want: Success,
		},
		{
			name: "custom error",
			err:  New(PrivilegeRequired),
			want: PrivilegeRequired,
		},
		{
			name: "wrapped custom error",
			err:  fmt.Errorf("jail: %w", New(DependencyResolutionFailed)),
			want: DependencyResolutionFailed,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: InternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New(CompileFailure)

	if !Is(err, CompileFailure) {
		t.Error("Is() should return true for matching code")
	}
	if Is(err, ToolchainNotFound) {
		t.Error("Is() should return false for non-matching code")
	}
	if Is(nil, CompileFailure) {
		t.Error("Is() should return false for nil error")
	}
	if !Is(fmt.Errorf("outer: %w", err), CompileFailure) {
		t.Error("Is() should see through fmt wrapping")
	}
}

func TestCompileFailureDiagnostics(t *testing.T) {
	err := CompileFailureError("main.rs:1:1: expected item")
	if err.Code != CompileFailure {
		t.Fatalf("unexpected code: %v", err.Code)
	}
	if got := Diagnostics(err); got != "main.rs:1:1: expected item" {
		t.Fatalf("unexpected diagnostics: %q", got)
	}
	if got := Diagnostics(errors.New("plain")); got != "" {
		t.Fatalf("expected no diagnostics, got %q", got)
	}
}

func TestCommonErrorConstructors(t *testing.T) {
	t.Run("BadRequest", func(t *testing.T) {
		err := BadRequest("invalid input")
		if err.Code != InvalidParams {
			t.Error("BadRequest should use InvalidParams code")
		}
	})

	t.Run("InternalError", func(t *testing.T) {
		err := InternalError(errors.New("disk full"))
		if err.Code != InternalServerError {
			t.Error("InternalError should use InternalServerError code")
		}
	})

	t.Run("ValidationError", func(t *testing.T) {
		err := ValidationError("source", "must not be empty")
		if err.Code != ValidationFailed {
			t.Error("ValidationError should use ValidationFailed code")
		}
		if err.Details["field"] != "source" {
			t.Error("Field detail not set")
		}
	})
}
