package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CommandsTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "borg_commands_total", Help: "Tool invocations by subcommand and outcome"}, []string{"subcommand", "outcome"})
	CommandDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "borg_command_duration_seconds", Help: "Tool invocation wall time", Buckets: []float64{.1, .5, 1, 5, 30, 120, 600, 1800, 3600, 14400}}, []string{"subcommand"})
	BackupsRunning   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "borg_backups_running", Help: "Backups currently in flight"})
	BackupRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "borg_backup_already_running_total", Help: "Backups rejected because the repository was busy"})
	SchedulerPasses  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_passes_total", Help: "Scheduler polling passes"})
	ScheduledRuns    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_job_runs_total", Help: "Scheduled job executions by outcome"}, []string{"outcome"})
	EventsPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "events_published_total", Help: "Events enqueued to subscribers"})
	EventsDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "events_dropped_total", Help: "Events dropped because a subscriber queue was full"})
	Subscribers      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "events_subscribers", Help: "Currently registered event subscribers"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Manual triggers rejected by the rate limiter"})
	RepositoryErrors = prometheus.NewGauge(prometheus.GaugeOpts{Name: "borg_repositories_in_error", Help: "Repositories that failed their last status check"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CommandsTotal,
			CommandDuration,
			BackupsRunning,
			BackupRejects,
			SchedulerPasses,
			ScheduledRuns,
			EventsPublished,
			EventsDropped,
			Subscribers,
			RateLimitRejects,
			RepositoryErrors,
		)
	})
	return promhttp.Handler()
}

// Outcome maps a success flag to a metric label.
func Outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
