package scheduler

import (
	"os"
	"strconv"
	"time"
)

// Config holds scheduler configuration
type Config struct {
	// Enabled controls whether the scheduler runs
	Enabled bool

	// StaleJobSweepInterval is the interval for requeueing stale working jobs
	StaleJobSweepInterval time.Duration

	// StaleJobMinutes is how long a job can hold a lease before it's considered stale
	StaleJobMinutes int

	// QueueGaugeRefreshInterval is the interval for refreshing queue depth gauges
	QueueGaugeRefreshInterval time.Duration

	// StatsReportInterval is the interval for logging pipeline statistics
	StatsReportInterval time.Duration

	// Cron schedule overrides (take precedence over intervals when set)
	// Format with seconds: "second minute hour day-of-month month day-of-week"
	// Examples: "0 */5 * * * *" (every 5 min), "0 0 2 * * *" (daily at 2am)
	StaleJobSweepSchedule     string
	QueueGaugeRefreshSchedule string
	StatsReportSchedule       string
}

// NewConfig creates a new Config from environment variables
func NewConfig() *Config {
	return &Config{
		Enabled:                   getEnvBool("SCHEDULER_ENABLED", true),
		StaleJobSweepInterval:     getEnvDuration("STALE_JOB_SWEEP_INTERVAL_MS", time.Minute),
		StaleJobMinutes:           getEnvInt("STALE_JOB_MINUTES", 10),
		QueueGaugeRefreshInterval: getEnvDuration("QUEUE_GAUGE_REFRESH_INTERVAL_MS", 30*time.Second),
		StatsReportInterval:       getEnvDuration("PIPELINE_STATS_INTERVAL_MS", 5*time.Minute),
		// Cron schedule overrides (empty string means use interval)
		StaleJobSweepSchedule:     getEnvString("STALE_JOB_SWEEP_SCHEDULE", ""),
		QueueGaugeRefreshSchedule: getEnvString("QUEUE_GAUGE_REFRESH_SCHEDULE", ""),
		StatsReportSchedule:       getEnvString("PIPELINE_STATS_SCHEDULE", ""),
	}
}

// getEnvBool returns a boolean from an environment variable
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvInt returns an integer from an environment variable
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration returns a duration from an environment variable (in milliseconds)
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

// getEnvString returns a string from an environment variable
func getEnvString(key string, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
