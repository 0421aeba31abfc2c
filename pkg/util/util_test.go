package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"NoTilde", "/var/lib/runs", "/var/lib/runs"},
		{"TildeOnly", "~", home},
		{"TildeSubdir", "~/runs/logs", filepath.Join(home, "runs/logs")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExpandPath(tc.input)
			if err != nil {
				t.Fatalf("ExpandPath(%q) returned error: %v", tc.input, err)
			}
			if got != tc.expected {
				t.Errorf("ExpandPath(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestSameStringSet(t *testing.T) {
	testCases := []struct {
		name     string
		a, b     []string
		expected bool
	}{
		{"BothEmpty", nil, []string{}, true},
		{"SameOrder", []string{"a", "b"}, []string{"a", "b"}, true},
		{"DifferentOrder", []string{"b", "a"}, []string{"a", "b"}, true},
		{"Duplicates", []string{"a", "a", "b"}, []string{"b", "a"}, true},
		{"Missing", []string{"a"}, []string{"a", "b"}, false},
		{"Extra", []string{"a", "b", "c"}, []string{"a", "b"}, false},
		{"Disjoint", []string{"x"}, []string{"y"}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SameStringSet(tc.a, tc.b); got != tc.expected {
				t.Errorf("SameStringSet(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.expected)
			}
		})
	}
}

func TestInvertMap(t *testing.T) {
	classes := map[int]string{0: "not_a_run", 1: "complete", 2: "in_progress"}
	inv := InvertMap(classes)
	if len(inv) != len(classes) {
		t.Fatalf("expected %d entries, got %d", len(classes), len(inv))
	}
	for k, v := range classes {
		if inv[v] != k {
			t.Errorf("inv[%q] = %d, want %d", v, inv[v], k)
		}
	}
}
