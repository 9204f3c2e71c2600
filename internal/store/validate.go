package store

import (
	"strings"
	"time"
)

// Field limits, matching the activity_logs schema checks.
const (
	MaxAppNameLength     = 255
	MaxWindowTitleLength = 1024
	MaxFingerprintLength = 128
)

// ValidateRecord checks a record coming from the capture pipeline.
func ValidateRecord(rec ActivityRecord) error {
	if rec.Timestamp.IsZero() {
		return Invalid("timestamp", "required")
	}
	if strings.TrimSpace(rec.AppName) == "" {
		return Invalid("app_name", "required")
	}
	if len(rec.AppName) > MaxAppNameLength {
		return Invalid("app_name", "too long: %d chars (max %d)", len(rec.AppName), MaxAppNameLength)
	}
	if len(rec.WindowTitle) > MaxWindowTitleLength {
		return Invalid("window_title", "too long: %d chars (max %d)", len(rec.WindowTitle), MaxWindowTitleLength)
	}
	if rec.Fingerprint != nil && len(*rec.Fingerprint) > MaxFingerprintLength {
		return Invalid("fingerprint", "too long: %d chars (max %d)", len(*rec.Fingerprint), MaxFingerprintLength)
	}
	return nil
}

// ValidateFilter rejects impossible time ranges.
func ValidateFilter(f Filter) error {
	if len(f.AppName) > MaxAppNameLength {
		return Invalid("app_name", "too long: %d chars (max %d)", len(f.AppName), MaxAppNameLength)
	}
	if tr := f.TimeRange; tr != nil && !tr.From.IsZero() && !tr.To.IsZero() && !tr.From.Before(tr.To) {
		return Invalid("time_range", "from (%s) must be before to (%s)", tr.From.Format(time.RFC3339), tr.To.Format(time.RFC3339))
	}
	return nil
}
