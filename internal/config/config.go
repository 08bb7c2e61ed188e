package config

const (
	DefaultTimeZone = "America/New_York"

	// Archive Sweep Configuration Constants
	DefaultArchiveSchedule = "0 2 * * *" // Nightly, after carrier statements settle
	DefaultRetentionDays   = 90
	ArchiveBatchSize       = 100
)
