package commons

import "time"

const (
	StatReportIntervalDefault time.Duration = 1 * time.Minute
	FetchConcurrencyDefault   int           = 4
	LogFileMaxSizeMB          int           = 50
	LogFileMaxBackups         int           = 5
	LogFileMaxAgeDays         int           = 30
)
