package settings

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Typed accessors over the DB config snapshot for the ledger's tunables.
// Every accessor falls back to its compiled-in default on a missing or
// malformed value, so the ledger keeps working with an empty settings table.

// ReservationExpireInterval returns how often the expired reservation sweep
// runs.
func ReservationExpireInterval() time.Duration {
	seconds := dbConfigIntOr(ReservationExpireIntervalSecondsKey, DefaultReservationExpireIntervalSeconds)
	if seconds <= 0 {
		seconds = DefaultReservationExpireIntervalSeconds
	}
	return time.Duration(seconds) * time.Second
}

// ReservationLease returns how long a reservation may stay unresolved
// before the sweep releases it.
func ReservationLease() time.Duration {
	seconds := dbConfigIntOr(ReservationLeaseSecondsKey, DefaultReservationLeaseSeconds)
	if seconds <= 0 {
		seconds = DefaultReservationLeaseSeconds
	}
	return time.Duration(seconds) * time.Second
}

// QuotaUntilRefresh returns the reservation countdown before a forced usage
// refresh; zero disables it.
func QuotaUntilRefresh() int64 {
	n := dbConfigIntOr(QuotaUntilRefreshKey, DefaultQuotaUntilRefresh)
	if n < 0 {
		n = 0
	}
	return int64(n)
}

// QuotaMaxAge returns the staleness bound on usage rows; zero disables
// age-based refresh.
func QuotaMaxAge() time.Duration {
	seconds := dbConfigIntOr(QuotaMaxAgeSecondsKey, DefaultQuotaMaxAgeSeconds)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}

// NoSnapshotGBQuota reports whether snapshot sizes are excluded from the
// gigabytes resource.
func NoSnapshotGBQuota() bool {
	raw, ok := DBConfigValue(NoSnapshotGBQuotaKey)
	if !ok {
		return DefaultNoSnapshotGBQuota
	}
	return parseDBConfigBool(raw)
}

func dbConfigIntOr(key string, fallback int) int {
	raw, ok := DBConfigValue(key)
	if !ok {
		return fallback
	}
	parsed, okParse := parseDBConfigInt(raw)
	if !okParse {
		return fallback
	}
	return parsed
}

func parseDBConfigInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if errUnmarshal := json.Unmarshal(raw, &n); errUnmarshal == nil {
		return n, true
	}
	var f float64
	if errUnmarshal := json.Unmarshal(raw, &f); errUnmarshal == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		if f != math.Trunc(f) {
			return 0, false
		}
		return int(f), true
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(s))
		if errParse == nil {
			return parsed, true
		}
	}
	return 0, false
}

func parseDBConfigBool(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	var b bool
	if errUnmarshal := json.Unmarshal(raw, &b); errUnmarshal == nil {
		return b
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "1", "true", "yes", "on":
			return true
		}
		return false
	}
	var n int
	if errUnmarshal := json.Unmarshal(raw, &n); errUnmarshal == nil {
		return n != 0
	}
	return false
}
