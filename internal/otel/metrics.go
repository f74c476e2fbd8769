package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all actiond metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	ActionsSubmitted metric.Int64Counter
	ActionsExecuted  metric.Int64Counter
	ActionDuration   metric.Float64Histogram
	ActionsPurged    metric.Int64Counter
	LeaseReclaims    metric.Int64Counter
	ClaimConflicts   metric.Int64Counter
	DueBacklog       metric.Int64ObservableGauge
}

// NewMetrics creates all metric instruments from the given meter. The due
// backlog gauge is registered separately once the store exists, see
// RegisterDueBacklog.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("actiond.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionsSubmitted, err = meter.Int64Counter("actiond.actions.submitted",
		metric.WithDescription("Action records accepted for execution"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionsExecuted, err = meter.Int64Counter("actiond.actions.executed",
		metric.WithDescription("Handler invocations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionDuration, err = meter.Float64Histogram("actiond.action.duration",
		metric.WithDescription("Handler invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionsPurged, err = meter.Int64Counter("actiond.actions.purged",
		metric.WithDescription("Finished records removed by retention cleanup"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseReclaims, err = meter.Int64Counter("actiond.lease.reclaims",
		metric.WithDescription("Expired execution leases returned to the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("actiond.claim.conflicts",
		metric.WithDescription("Claims lost to a concurrent worker"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterDueBacklog registers an observable gauge reporting the number of
// due, unfinished records via the given callback.
func (m *Metrics) RegisterDueBacklog(meter metric.Meter, observe func(ctx context.Context) (int64, error)) error {
	gauge, err := meter.Int64ObservableGauge("actiond.actions.due",
		metric.WithDescription("Unfinished records currently eligible to execute"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			backlog, err := observe(ctx)
			if err != nil {
				return err
			}
			o.Observe(backlog)
			return nil
		}),
	)
	if err != nil {
		return err
	}
	m.DueBacklog = gauge
	return nil
}
