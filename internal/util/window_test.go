package util

import (
	"testing"
	"time"
)

func TestInWindowSameDay(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ok, err := InWindow(now, "09:00", "11:00", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected to be in window")
	}
}

func TestInWindowWrap(t *testing.T) {
	now := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	ok, err := InWindow(now, "23:00", "02:00", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected to be in window")
	}
}

func TestInWindowOutside(t *testing.T) {
	now := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	ok, err := InWindow(now, "23:00", "02:00", "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected to be outside window")
	}
	if ok, _ := InWindow(now, "", "", ""); !ok {
		t.Fatalf("empty window should not restrict")
	}
	if _, err := InWindow(now, "9am", "", "UTC"); err == nil {
		t.Fatalf("expected error for malformed start")
	}
}
