package storage

import (
	"fmt"
	"time"
)

// parseSQLiteTimestamp accepts the handful of timestamp layouts this package ever writes
// (and, for robustness, the layouts sqlite's own CURRENT_TIMESTAMP default produces).
func parseSQLiteTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}
