package hints_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/paulschiretz/pgl-runsync/pkg/hints"
)

var (
	errSyncActive   = hints.New("sync already running")
	errBelowMinimum = hints.New("total below minimum batch size")
	errUploadFailed = errors.New("upload failed")
)

func TestIsHint(t *testing.T) {
	active := errSyncActive

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"Nil", nil, false},
		{"PlainError", errUploadFailed, false},
		{"New", hints.New("run already uploaded"), true},
		{"AnnotatedHint", fmt.Errorf("lane L001: %w", active), true},
		{"AnnotatedPlainError", fmt.Errorf("lane L001: %w", errUploadFailed), false},
		{"JoinedWithHint", errors.Join(errUploadFailed, active), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := hints.IsHint(tc.err); got != tc.want {
				t.Errorf("IsHint(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	if errBelowMinimum.Error() != "total below minimum batch size" {
		t.Errorf("unexpected message %q", errBelowMinimum.Error())
	}
	if hints.New("total below minimum batch size") == errBelowMinimum {
		t.Error("each hint must be a distinct value")
	}
	if !errors.Is(fmt.Errorf("lane L002: %w", errBelowMinimum), errBelowMinimum) {
		t.Error("errors.Is should see through annotations")
	}
}

func TestIs(t *testing.T) {
	skip := fmt.Errorf("sync: %w", errBelowMinimum)

	if !hints.Is(skip, errBelowMinimum) {
		t.Error("expected hint to match its cause")
	}
	if hints.Is(skip, errSyncActive) {
		t.Error("hint should not match an unrelated cause")
	}
	if hints.Is(errBelowMinimum, errBelowMinimum) {
		t.Error("a plain error is never a hint")
	}
}
