package gcal

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EventFingerprint hashes the content-bearing fields of a remote event.
// Matching fingerprints mean a write with the same content would be a no-op,
// which is how the engine tells a user edit from the echo of its own write.
func EventFingerprint(e *Event) string {
	return fingerprint(e.Summary, e.Description, e.Location, e.Start, e.End,
		e.Transparency, e.Visibility, e.ColorID, e.Recurrence)
}

// DataFingerprint hashes an outgoing body the same way EventFingerprint
// hashes the event it round-trips into.
func DataFingerprint(d *EventData) string {
	return fingerprint(d.Summary, d.Description, d.Location, d.Start, d.End,
		d.Transparency, d.Visibility, d.ColorID, d.Recurrence)
}

// fingerprint canonicalizes before hashing: the provider omits default
// transparency/visibility on reads and re-renders dateTimes in arbitrary
// offsets, so defaults are filled in and timed points reduce to UTC instants.
func fingerprint(summary, description, location string, start, end EventTime, transparency, visibility, colorID string, recurrence []string) string {
	if transparency == "" {
		transparency = "opaque"
	}
	if visibility == "" {
		visibility = "default"
	}
	parts := []string{
		summary, description, location,
		timeKey(start), timeKey(end),
		transparency, visibility, colorID,
		strings.Join(recurrence, "\n"),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func timeKey(t EventTime) string {
	if t.Date != "" {
		return t.Date
	}
	if t.DateTime.IsZero() {
		return ""
	}
	return t.DateTime.UTC().Format(time.RFC3339)
}
