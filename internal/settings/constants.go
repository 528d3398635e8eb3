package settings

// DB config keys and defaults for settings.
const (
	// SiteNameKey is the DB config key for the UI site name.
	SiteNameKey = "SITE_NAME"
	// DefaultSiteName is the fallback UI site name.
	DefaultSiteName = "VolQuota"
	// ReservationExpireIntervalSecondsKey controls how often the expired
	// reservation sweep runs, in seconds.
	ReservationExpireIntervalSecondsKey = "RESERVATION_EXPIRE_INTERVAL_SECONDS"
	// ReservationLeaseSecondsKey controls how long a reservation may stay
	// unresolved before the sweep releases it, in seconds.
	ReservationLeaseSecondsKey = "RESERVATION_LEASE_SECONDS"
	// QuotaUntilRefreshKey controls after how many reservations a usage row
	// is recomputed from the domain tables. Zero disables the countdown.
	QuotaUntilRefreshKey = "QUOTA_UNTIL_REFRESH"
	// QuotaMaxAgeSecondsKey controls the staleness bound on usage rows, in
	// seconds. Zero disables age-based refresh.
	QuotaMaxAgeSecondsKey = "QUOTA_MAX_AGE_SECONDS"
	// NoSnapshotGBQuotaKey excludes snapshot sizes from the gigabytes
	// resource when true.
	NoSnapshotGBQuotaKey = "NO_SNAPSHOT_GB_QUOTA"
	// DefaultReservationExpireIntervalSeconds is the fallback sweep interval.
	DefaultReservationExpireIntervalSeconds = 60
	// DefaultReservationLeaseSeconds is the fallback reservation lease (one day).
	DefaultReservationLeaseSeconds = 86400
	// DefaultQuotaUntilRefresh disables the reservation countdown.
	DefaultQuotaUntilRefresh = 0
	// DefaultQuotaMaxAgeSeconds disables age-based usage refresh.
	DefaultQuotaMaxAgeSeconds = 0
	// DefaultNoSnapshotGBQuota counts snapshot sizes toward gigabytes.
	DefaultNoSnapshotGBQuota = false
)
