// Package metrics exposes task, scheduler and election activity as
// Prometheus series. It learns about activity from the event bus only.
package metrics

import (
	"context"
	"net/http"

	"clusterd/internal/eventbus"
	"clusterd/internal/leader"
	"clusterd/internal/task/engine"
	"clusterd/internal/task/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clusterd"

// Collector holds the series. Build one per process with NewCollector.
type Collector struct {
	reg *prometheus.Registry

	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	tasksFailed   *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	queueDelay    prometheus.Histogram

	promotions        *prometheus.CounterVec
	promoted          *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	dispatched        *prometheus.CounterVec
	promotionDuration *prometheus.HistogramVec

	leader      *prometheus.GaugeVec
	leaderEpoch *prometheus.GaugeVec
	members     prometheus.Gauge
}

// NewCollector registers every series on a private registry together with
// the Go and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		reg: reg,
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Task runs started on this member.",
		}, []string{"kind"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Task runs that returned without error.",
		}, []string{"kind"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Task runs that failed after all attempts.",
		}, []string{"kind"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task run duration including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		queueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_queue_delay_seconds",
			Help:      "Time between dispatch and the first attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "promotions_total",
			Help:      "Promotion cycles run while holding the scheduler lock.",
		}, []string{"scheduler"}),
		promoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "promoted_total",
			Help:      "Entries moved from pending to the execution queue.",
		}, []string{"scheduler"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dropped_total",
			Help:      "Pending entries discarded because they could not be decoded.",
		}, []string{"scheduler"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Entries taken from the execution queue by this member.",
		}, []string{"scheduler", "kind"}),
		promotionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "promotion_duration_seconds",
			Help:      "Duration of one promotion cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"scheduler"}),
		leader: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader",
			Help:      "1 while this member leads the election.",
		}, []string{"election"}),
		leaderEpoch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leader_epoch",
			Help:      "Epoch of the last term this member led.",
		}, []string{"election"}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members",
			Help:      "Cluster members visible to this member.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.tasksStarted, c.tasksFinished, c.tasksFailed, c.taskDuration, c.queueDelay,
		c.promotions, c.promoted, c.dropped, c.dispatched, c.promotionDuration,
		c.leader, c.leaderEpoch, c.members,
	)
	return c
}

// Registry is the registry the series live on.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// GaugeFunc registers a gauge whose value is read on every scrape.
func (c *Collector) GaugeFunc(name, help string, labels prometheus.Labels, fn func() float64) error {
	return c.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}

// TrackBus exports the bus drop counter.
func (c *Collector) TrackBus(bus eventbus.Bus) error {
	return c.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events a slow subscriber missed.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

func (c *Collector) SetMembers(n int) { c.members.Set(float64(n)) }

// Observe applies one bus event. Unknown events are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case engine.TaskEvent:
		switch e.Type {
		case "task.started":
			c.tasksStarted.WithLabelValues(d.Name).Inc()
			c.queueDelay.Observe(d.QueueDelay.Seconds())
		case "task.finished":
			c.tasksFinished.WithLabelValues(d.Name).Inc()
			c.taskDuration.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
		case "task.failed":
			c.tasksFailed.WithLabelValues(d.Name).Inc()
			c.taskDuration.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
		}
	case scheduler.PromotionEvent:
		c.promotions.WithLabelValues(d.Scheduler).Inc()
		c.promoted.WithLabelValues(d.Scheduler).Add(float64(d.Promoted))
		c.dropped.WithLabelValues(d.Scheduler).Add(float64(d.Dropped))
		c.promotionDuration.WithLabelValues(d.Scheduler).Observe(d.Took.Seconds())
	case scheduler.DispatchEvent:
		c.dispatched.WithLabelValues(d.Scheduler, d.Kind).Inc()
	case leader.Event:
		switch e.Type {
		case "leader.elected":
			c.leader.WithLabelValues(d.Election).Set(1)
			c.leaderEpoch.WithLabelValues(d.Election).Set(float64(d.Epoch))
		case "leader.released":
			c.leader.WithLabelValues(d.Election).Set(0)
		}
	}
}

// Consume feeds bus events into the collector until ctx ends.
func (c *Collector) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256, "task.", "scheduler.", "leader.")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}
