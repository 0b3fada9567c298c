package utils

import (
	"time"
)

const (
	ServiceSlot1 = "slot_1"
	ServiceSlot2 = "slot_2"
)

var serviceLabels = map[string]string{
	ServiceSlot1: "Session 1",
	ServiceSlot2: "Session 2",
}

func ServiceLabel(key string) string {
	if label, ok := serviceLabels[key]; ok {
		return label
	}
	return ""
}

// ClassifyServiceByStart buckets a local start time into the daily archive
// slots: slot_1 strictly before the split hour, slot_2 from the split hour on.
func ClassifyServiceByStart(startLocal time.Time, splitHour int) (string, string) {
	if startLocal.Hour() >= splitHour {
		return ServiceSlot2, serviceLabels[ServiceSlot2]
	}
	return ServiceSlot1, serviceLabels[ServiceSlot1]
}

func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func NowLocalStr(loc *time.Location) string {
	return time.Now().In(loc).Format("2006-01-02 03:04:05 PM")
}

func UTCNowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
