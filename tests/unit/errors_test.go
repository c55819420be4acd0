package unit

import (
	"fmt"
	"testing"

	"github.com/larsbrinkhoff/httptunnel/pkg/terrors"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      *terrors.Error
		expected terrors.Kind
	}{
		{"invalid", terrors.Invalid("setopt", "unknown option"), terrors.InvalidArgument},
		{"protocol", terrors.Protocol("connect", "bad status line", fmt.Errorf("parse")), terrors.ProtocolError},
		{"io", terrors.IO("read", "short read", fmt.Errorf("eof")), terrors.Io},
		{"permission", terrors.Permission("connect", "401"), terrors.PermissionDenied},
		{"not_found", terrors.NotFoundErr("connect", "404"), terrors.NotFound},
		{"closed", terrors.ClosedErr("read"), terrors.Closed},
		{"again", terrors.AgainErr("read"), terrors.Again},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.expected {
				t.Errorf("expected kind %v, got %v", tt.expected, tt.err.Kind)
			}
			if tt.err.Error() == "" {
				t.Error("error message should not be empty")
			}
			if tt.err.Timestamp.IsZero() {
				t.Error("timestamp should be set")
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := terrors.IO("read", "short read", cause)

	if err.Unwrap() != cause {
		t.Errorf("expected unwrapped error to be %v, got %v", cause, err.Unwrap())
	}
}

func TestErrorIs(t *testing.T) {
	err1 := terrors.IO("read", "short read", fmt.Errorf("eof"))
	err2 := &terrors.Error{Kind: terrors.Io}

	if !err1.Is(err2) {
		t.Error("errors with same kind should match")
	}

	err3 := &terrors.Error{Kind: terrors.ProtocolError}
	if err1.Is(err3) {
		t.Error("errors with different kinds should not match")
	}
}

func TestOf(t *testing.T) {
	err := terrors.ClosedErr("read")
	if !terrors.Of(err, terrors.Closed) {
		t.Error("should identify closed error")
	}
	if terrors.Of(err, terrors.Again) {
		t.Error("should not identify closed error as again")
	}
}

func TestStatusToKind(t *testing.T) {
	cases := map[int]terrors.Kind{
		200: "",
		204: "",
		401: terrors.PermissionDenied,
		403: terrors.PermissionDenied,
		404: terrors.NotFound,
		400: terrors.Io,
		411: terrors.Io,
		413: terrors.Io,
		500: terrors.Io,
		505: terrors.Io,
		100: terrors.Io,
		301: terrors.Io,
	}
	for status, want := range cases {
		if got := terrors.StatusToKind(status); got != want {
			t.Errorf("status %d: expected kind %q, got %q", status, want, got)
		}
	}
}
