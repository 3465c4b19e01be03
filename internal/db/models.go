package db

import "time"

// SnapshotInfo describes a stored graph snapshot without its payload.
type SnapshotInfo struct {
	ID        int64     `json:"id"`
	NodeCount int       `json:"node_count"`
	EdgeCount int       `json:"edge_count"`
	TakenAt   time.Time `json:"taken_at"`
}

// Timestamps are stored as Unix millis; 0 means unset.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
