package ops

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cinebot/internal/eventbus"
)

// Metrics turns bus events into prometheus series on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	posts     *prometheus.CounterVec
	failures  *prometheus.CounterVec
	mirrors   prometheus.Counter
	scheduled prometheus.Counter
	fired     *prometheus.CounterVec
	votes     *prometheus.CounterVec
	requests  *prometheus.CounterVec
	ancillary *prometheus.CounterVec
	quota     *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cinebot", Name: "posts_published_total", Help: "Successful publishes by surface and reason.",
		}, []string{"surface", "reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cinebot", Name: "posts_failed_total", Help: "Failed publishes by surface and reason.",
		}, []string{"surface", "reason"}),
		mirrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cinebot", Name: "mirror_posts_total", Help: "Posts copied to the mirror surface.",
		}),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cinebot", Name: "deferred_scheduled_total", Help: "Deferred publishes enqueued.",
		}),
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cinebot", Name: "deferred_fired_total", Help: "Deferred publishes attempted.",
		}, []string{"ok"}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cinebot", Name: "vote_sessions_total", Help: "Voting sessions by lifecycle step.",
		}, []string{"step", "reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cinebot", Name: "requests_total", Help: "Viewer requests by outcome.",
		}, []string{"outcome"}),
		ancillary: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cinebot", Name: "ancillary_posts_total", Help: "Memes and news posted.",
		}, []string{"kind"}),
		quota: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cinebot", Name: "daily_quota", Help: "Last quota set by an operator.",
		}, []string{"key"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.posts, m.failures, m.mirrors, m.scheduled, m.fired, m.votes, m.requests, m.ancillary, m.quota,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.PostPublished:
		m.posts.WithLabelValues(label(ev, "surface"), label(ev, "reason")).Inc()
	case eventbus.PostFailed:
		m.failures.WithLabelValues(label(ev, "surface"), label(ev, "reason")).Inc()
	case eventbus.MirrorSent:
		m.mirrors.Inc()
	case eventbus.TaskScheduled:
		m.scheduled.Inc()
	case eventbus.TaskFired:
		m.fired.WithLabelValues(label(ev, "ok")).Inc()
	case eventbus.VoteStarted:
		m.votes.WithLabelValues("started", "").Inc()
	case eventbus.VoteResolved:
		m.votes.WithLabelValues("resolved", label(ev, "reason")).Inc()
	case eventbus.RequestHandled:
		m.requests.WithLabelValues(label(ev, "outcome")).Inc()
	case eventbus.AncillaryPost:
		m.ancillary.WithLabelValues(label(ev, "kind")).Inc()
	case eventbus.QuotaChanged:
		if v, ok := ev.Data["value"].(int); ok {
			m.quota.WithLabelValues(label(ev, "key")).Set(float64(v))
		}
	}
}

func label(ev eventbus.Event, key string) string {
	v, ok := ev.Data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
