package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all gohelm metrics instruments.
type Metrics struct {
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksRetried    metric.Int64Counter
	TaskDuration    metric.Float64Histogram
	StepDuration    metric.Float64Histogram
	SendAttempts    metric.Int64Counter
	ProbeFailures   metric.Int64Counter
	Bootstraps      metric.Int64Counter
	StallRecoveries metric.Int64Counter
	ActiveTasks     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksCompleted, err = meter.Int64Counter("gohelm.tasks.completed",
		metric.WithDescription("Tasks run to completion"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("gohelm.tasks.failed",
		metric.WithDescription("Tasks failed after exhausting retries"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("gohelm.tasks.retried",
		metric.WithDescription("Whole-task retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("gohelm.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("gohelm.step.duration",
		metric.WithDescription("Step submit-to-completion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SendAttempts, err = meter.Int64Counter("gohelm.channel.attempts",
		metric.WithDescription("Companion send attempts including retries"),
	)
	if err != nil {
		return nil, err
	}

	m.ProbeFailures, err = meter.Int64Counter("gohelm.channel.probe_failures",
		metric.WithDescription("Failed companion liveness probes"),
	)
	if err != nil {
		return nil, err
	}

	m.Bootstraps, err = meter.Int64Counter("gohelm.channel.bootstraps",
		metric.WithDescription("Companion bootstrap attempts after failed probes"),
	)
	if err != nil {
		return nil, err
	}

	m.StallRecoveries, err = meter.Int64Counter("gohelm.monitor.stall_recoveries",
		metric.WithDescription("Observation loop restarts by the watchdog"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("gohelm.tasks.active",
		metric.WithDescription("Tasks currently running (0 or 1)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
