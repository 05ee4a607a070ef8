package metrics

import "time"

// Agent holds the metrics exported by the tracking agent.
type Agent struct {
	Registry *Registry

	SegmentsProduced   *Counter
	SegmentsDelivered  *Counter
	DeliveryAttempts   *Counter
	DeliveryFailures   *Counter
	QueuePruned        *Counter
	QueuePersistErrors *Counter
	HeartbeatsSent     *Counter
	HeartbeatFailures  *Counter
	ClockPollFailures  *Counter
	InputEvents        *Counter
	WindowChanges      *Counter
	SessionsStarted    *Counter
	Panics             *Counter

	QueueDepth      *Gauge
	SessionActive   *Gauge
	EngineState     *Gauge
	IdleSeconds     *Gauge
	LastDelivery    *Gauge
	UptimeSeconds   *Gauge
	HistorySegments *Gauge

	DeliveryDuration *Histogram
	BatchSize        *Histogram

	started time.Time
}

// NewAgent registers the agent metrics in r. A nil r gets a fresh
// "pulsed" registry.
func NewAgent(r *Registry) *Agent {
	if r == nil {
		r = NewRegistry("pulsed")
	}
	return &Agent{
		Registry: r,

		SegmentsProduced:   r.Counter("segments_produced_total", "Segments emitted by the segmentation engine", nil),
		SegmentsDelivered:  r.Counter("segments_delivered_total", "Segments acknowledged by the collector", nil),
		DeliveryAttempts:   r.Counter("delivery_attempts_total", "Batch deliveries attempted", nil),
		DeliveryFailures:   r.Counter("delivery_failures_total", "Batch deliveries that failed", nil),
		QueuePruned:        r.Counter("queue_pruned_total", "Queued segments dropped by the size cap", nil),
		QueuePersistErrors: r.Counter("queue_persist_errors_total", "Failed queue writes", nil),
		HeartbeatsSent:     r.Counter("heartbeats_sent_total", "Legacy heartbeats accepted", nil),
		HeartbeatFailures:  r.Counter("heartbeat_failures_total", "Legacy heartbeats that failed", nil),
		ClockPollFailures:  r.Counter("clock_poll_failures_total", "Clock status polls that failed", nil),
		InputEvents:        r.Counter("input_events_total", "Counted input events", nil),
		WindowChanges:      r.Counter("window_changes_total", "Focused window changes observed", nil),
		SessionsStarted:    r.Counter("sessions_started_total", "Tracking sessions started", nil),
		Panics:             r.Counter("panics_total", "Recovered panics", nil),

		QueueDepth:      r.Gauge("queue_depth", "Segments waiting for delivery", nil),
		SessionActive:   r.Gauge("session_active", "1 while a tracking session runs", nil),
		EngineState:     r.Gauge("engine_state", "0 stopped, 1 active, 2 idle", nil),
		IdleSeconds:     r.Gauge("idle_seconds", "Seconds since the last input", nil),
		LastDelivery:    r.Gauge("last_delivery_timestamp_seconds", "Unix time of the last successful delivery", nil),
		UptimeSeconds:   r.Gauge("uptime_seconds", "Seconds since the agent started", nil),
		HistorySegments: r.Gauge("history_segments", "Segments held in the local history", nil),

		DeliveryDuration: r.Histogram("delivery_duration_seconds", "Batch delivery latency", nil, DurationBuckets),
		BatchSize:        r.Histogram("delivery_batch_size", "Segments per delivered batch", nil, BatchBuckets),

		started: time.Now(),
	}
}

// UpdateUptime refreshes the uptime gauge.
func (m *Agent) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

// RecordDelivery records the outcome of one batch delivery.
func (m *Agent) RecordDelivery(n int, d time.Duration, err error, at time.Time) {
	m.DeliveryAttempts.Inc()
	m.DeliveryDuration.ObserveDuration(d)
	if err != nil {
		m.DeliveryFailures.Inc()
		return
	}
	m.SegmentsDelivered.Add(uint64(n))
	m.BatchSize.Observe(float64(n))
	m.LastDelivery.SetTime(at)
}
