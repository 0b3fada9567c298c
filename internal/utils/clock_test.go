package utils

import (
	"testing"
	"time"
)

func TestClassifyServiceByStart(t *testing.T) {
	const splitHour = 17
	for hour := 0; hour < 24; hour++ {
		dt := time.Date(2025, 3, 9, hour, 30, 0, 0, time.UTC)
		key, label := ClassifyServiceByStart(dt, splitHour)
		if hour < splitHour {
			if key != ServiceSlot1 {
				t.Fatalf("hour %d: expected %s, got %s", hour, ServiceSlot1, key)
			}
		} else {
			if key != ServiceSlot2 {
				t.Fatalf("hour %d: expected %s, got %s", hour, ServiceSlot2, key)
			}
		}
		if label == "" {
			t.Fatalf("hour %d: empty service label", hour)
		}
	}
}

func TestClassifyServiceBoundary(t *testing.T) {
	dt := time.Date(2025, 3, 9, 17, 0, 0, 0, time.UTC)
	key, _ := ClassifyServiceByStart(dt, 17)
	if key != ServiceSlot2 {
		t.Fatalf("17:00 must land in slot_2, got %s", key)
	}
}

func TestDateKey(t *testing.T) {
	dt := time.Date(2025, 3, 9, 23, 59, 0, 0, time.UTC)
	if got := DateKey(dt); got != "2025-03-09" {
		t.Fatalf("unexpected date key: %q", got)
	}
}
