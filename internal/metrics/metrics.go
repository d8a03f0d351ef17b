// Package metrics holds the Prometheus collectors of the orchestration core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storyboard"

var (
	// SubmissionsTotal counts provider submissions per task type and outcome (accepted, rejected).
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "submissions_total",
			Help:      "Total number of sub-task submissions to the provider",
		},
		[]string{"task_type", "outcome"},
	)

	// PollsTotal counts live status reads per normalized result.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "polls_total",
			Help:      "Total number of provider status polls",
		},
		[]string{"status"},
	)

	// TransitionsTotal counts persisted status changes.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Total number of persisted task status transitions",
		},
		[]string{"from", "to"},
	)

	// MigrationsTotal counts artifact migrations per outcome (success, failure).
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifacts",
			Name:      "migrations_total",
			Help:      "Total number of artifact migrations",
		},
		[]string{"outcome"},
	)

	// MigrationDuration observes artifact migration latency.
	MigrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "artifacts",
			Name:      "migration_duration_seconds",
			Help:      "Artifact migration duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// RegistrationsTotal counts character identity registrations per outcome.
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "characters",
			Name:      "registrations_total",
			Help:      "Total number of character identity registrations",
		},
		[]string{"outcome"},
	)
)

// Outcome returns "success" for a nil error and "failure" otherwise.
func Outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// ObserveMigration records one migration attempt.
func ObserveMigration(start time.Time, err error) {
	MigrationsTotal.WithLabelValues(Outcome(err)).Inc()
	MigrationDuration.Observe(time.Since(start).Seconds())
}
