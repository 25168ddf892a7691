// Package deferred runs operator-scheduled publishes after a delay.
//
// Tasks live in memory only and are lost on restart. Each armed task is an
// independent unit: a failed publish is logged and never retried.
package deferred

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/google/uuid"

	"cinebot/internal/errs"
	"cinebot/internal/eventbus"
	"cinebot/internal/publish"
	kit "cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

const DefaultPollInterval = 60 * time.Second

type Task struct {
	ID          string
	ExternalID  int64
	Delay       time.Duration
	EnqueuedAt  time.Time
	FireAt      time.Time
	RequestedBy int64
	// Armed is true once the drain loop has started the task's unit.
	Armed bool
}

type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (kit.PostRef, error)
}

type Spawner interface {
	Go0(name string, fn func(ctx context.Context))
}

type Options struct {
	PollInterval time.Duration
	Clock        clock.Clock
	Bus          eventbus.Bus
	Log          logx.Logger
}

type Queue struct {
	pub   Publisher
	spawn Spawner
	clk   clock.Clock
	bus   eventbus.Bus
	log   logx.Logger
	poll  time.Duration

	mu      sync.Mutex
	queued  []Task
	armed   map[string]*unit
	wake    chan struct{}
	running bool

	// onArmed fires after a unit registered its timer; used by tests.
	onArmed func(Task)
}

type unit struct {
	task   Task
	cancel context.CancelFunc
}

func New(pub Publisher, spawn Spawner, opts Options) *Queue {
	q := &Queue{
		pub:   pub,
		spawn: spawn,
		clk:   opts.Clock,
		bus:   opts.Bus,
		log:   opts.Log,
		poll:  opts.PollInterval,
		armed: map[string]*unit{},
		wake:  make(chan struct{}, 1),
	}
	if q.clk == nil {
		q.clk = clock.New()
	}
	if q.bus == nil {
		q.bus = eventbus.Nop()
	}
	if q.log.IsZero() {
		q.log = logx.Nop()
	}
	if q.poll <= 0 {
		q.poll = DefaultPollInterval
	}
	return q
}

// Enqueue schedules a publish of externalID after delay.
func (q *Queue) Enqueue(externalID int64, delay time.Duration, requestedBy int64) (Task, error) {
	if externalID == 0 {
		return Task{}, errs.Invariantf("deferred publish without item")
	}
	if delay < 0 {
		return Task{}, errs.Invariantf("negative delay %s", delay)
	}
	now := q.clk.Now()
	t := Task{
		ID:          uuid.NewString(),
		ExternalID:  externalID,
		Delay:       delay,
		EnqueuedAt:  now,
		FireAt:      now.Add(delay),
		RequestedBy: requestedBy,
	}
	q.mu.Lock()
	q.queued = append(q.queued, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.TaskScheduled, ItemID: externalID, Data: map[string]any{"task": t.ID, "fire_at": t.FireAt}})
	q.log.Info("publish scheduled", logx.String("task", t.ID), logx.Int64("item", externalID), logx.Duration("delay", delay))
	return t, nil
}

// Pending lists queued and armed tasks ordered by fire time.
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	out := make([]Task, 0, len(q.queued)+len(q.armed))
	out = append(out, q.queued...)
	for _, u := range q.armed {
		out = append(out, u.task)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// Cancel disarms a task. It reports whether the task was pending.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.queued {
		if t.ID == id {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			return true
		}
	}
	if u, ok := q.armed[id]; ok {
		u.cancel()
		delete(q.armed, id)
		return true
	}
	return false
}

// Run drains the queue every poll interval, and right away on Enqueue, until
// ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errs.Invariantf("deferred queue already running")
	}
	q.running = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	tick := q.clk.Ticker(q.poll)
	defer tick.Stop()
	for {
		q.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		case <-q.wake:
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	q.mu.Lock()
	batch := q.queued
	q.queued = nil
	for i := range batch {
		batch[i].Armed = true
	}
	units := make([]*unit, 0, len(batch))
	for _, t := range batch {
		uctx, cancel := context.WithCancel(ctx)
		u := &unit{task: t, cancel: cancel}
		q.armed[t.ID] = u
		units = append(units, u)
		q.start(uctx, u)
	}
	q.mu.Unlock()
	if len(units) > 0 {
		q.log.Debug("deferred tasks armed", logx.Int("count", len(units)))
	}
}

func (q *Queue) start(ctx context.Context, u *unit) {
	run := func(context.Context) { q.fire(ctx, u) }
	if q.spawn == nil {
		go run(ctx)
		return
	}
	q.spawn.Go0("deferred."+u.task.ID, run)
}

func (q *Queue) fire(ctx context.Context, u *unit) {
	defer u.cancel()
	t := u.task
	if wait := t.FireAt.Sub(q.clk.Now()); wait > 0 {
		timer := q.clk.Timer(wait)
		if q.onArmed != nil {
			q.onArmed(t)
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	} else if q.onArmed != nil {
		q.onArmed(t)
	}

	q.mu.Lock()
	_, live := q.armed[t.ID]
	delete(q.armed, t.ID)
	q.mu.Unlock()
	if !live {
		return
	}

	log := q.log.With(logx.String("task", t.ID), logx.Int64("item", t.ExternalID))
	_, err := q.pub.Publish(ctx, publish.Request{
		ExternalID: t.ExternalID,
		Surface:    kit.SurfacePrimary,
		ActorID:    t.RequestedBy,
		Reason:     "deferred",
	})
	ev := eventbus.Event{Type: eventbus.TaskFired, ItemID: t.ExternalID, Data: map[string]any{"task": t.ID, "ok": err == nil}}
	q.bus.Publish(ev)
	if err != nil {
		log.Warn("deferred publish failed", logx.Err(err))
		return
	}
	log.Info("deferred publish done")
}
