// Package app wires the publication core, the Telegram transport and the
// ops surface into one process and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"cinebot/internal/ancillary"
	"cinebot/internal/autopost"
	"cinebot/internal/bot"
	"cinebot/internal/config"
	"cinebot/internal/deferred"
	"cinebot/internal/eventbus"
	"cinebot/internal/observability/ops"
	"cinebot/internal/publish"
	"cinebot/internal/ratelimit"
	"cinebot/internal/requests"
	"cinebot/internal/runtime/supervisor"
	"cinebot/internal/settings"
	"cinebot/internal/storage"
	"cinebot/internal/task/scheduler"
	"cinebot/internal/tmdb"
	kit "cinebot/internal/transport"
	"cinebot/internal/transport/telegram/adapter"
	"cinebot/internal/transport/telegram/router"
	"cinebot/internal/voting"
	logx "cinebot/pkg/logx"
)

const (
	pruneJobName = "counters.prune"
	pruneAt      = "00:05"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *storage.SQLite
	adapter  *adapter.Adapter
	details  *tmdb.Client
	settings *settings.Store
	limiter  *ratelimit.Limiter
	pipeline *publish.Pipeline
	queue    *deferred.Queue
	auto     *autopost.Scheduler
	votes    *voting.Engine
	extras   *ancillary.Poster
	sched    *scheduler.Service
	flow     *requests.Flow
	bot      *bot.Bot
	cmdm     *router.CommandManager

	metrics *ops.Metrics
	health  *ops.Health
	ops     *ops.Service

	autoMu     sync.Mutex
	autoCancel context.CancelFunc

	updates chan kit.Update
}

// New loads the config file and constructs every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	m, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	boot := logx.NewConsole(cfg.Logging.Level)
	ad, err := adapter.New(adapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: m.pollTime,
		Surfaces:    surfaces(cfg),
	}, boot.Named("telegram"))
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(m.logs, ad)

	store, err := storage.Open(m.storage, log.Named("storage"))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		store:   store,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	a.settings = settings.New(store, settings.Options{
		Location:              m.loc,
		DefaultItemQuota:      m.defItem,
		DefaultAncillaryQuota: m.defAncill,
	})
	a.details = tmdb.New(m.tmdb, log.Named("tmdb"))
	a.limiter = ratelimit.New(a.settings, m.itemCap, m.userCap)
	a.pipeline = publish.New(publish.Deps{
		Store:     store,
		Details:   a.details,
		Publisher: ad,
		Bus:       a.bus,
		Audit:     store,
		Spawner:   a,
		Log:       log.Named("publish"),
	}, m.publish)

	dopts := m.deferred
	dopts.Bus, dopts.Log = a.bus, log.Named("deferred")
	a.queue = deferred.New(a.pipeline, a, dopts)
	a.auto = autopost.New(a.settings, store, a.pipeline, m.autopost, autopost.WithLogger(log.Named("autopost")))
	a.votes = voting.New(a.pipeline, store, a, voting.Options{Bus: a.bus, Log: log.Named("voting")})

	a.sched = scheduler.New(m.scheduler, log.Named("scheduler"))
	a.extras = ancillary.New(ancillary.Deps{
		Settings:  a.settings,
		News:      a.details,
		Publisher: ad,
		Bus:       a.bus,
		Log:       log.Named("ancillary"),
	}, m.ancillary)

	a.flow = requests.NewFlow(store, a.limiter, a.pipeline, a.details, adminNotifier{a}, a.bus, log.Named("requests"))
	a.flow.PrimaryURL = m.publish.PrimaryURL

	a.bot = bot.New(bot.Deps{
		Catalog:   store,
		Pipeline:  a.pipeline,
		Requests:  a.flow,
		Intake:    requests.NewIntake(store, a.details, log.Named("intake")),
		Deferred:  a.queue,
		Voting:    a.votes,
		Quotas:    a.settings,
		AutoPost:  a.auto,
		Ancillary: a.extras,
		News:      a.details,
		Finder:    a.details,
		Adapter:   ad,
		Bus:       a.bus,
		Log:       log.Named("bot"),
	}, m.bot)
	a.votes.SetOnResolved(a.bot.AnnounceVote)

	a.cmdm = router.NewCommandManager(log.Named("commands"), ad, router.Options{
		Owners:   cfg.Telegram.OwnerUserIDs,
		Describe: bot.Describe,
	})

	a.metrics = ops.NewMetrics()
	a.health = ops.NewHealth()
	a.ops = ops.New(m.ops, a.metrics, a.health, log.Named("ops"))
	return a, nil
}

// Go0 runs fn under the app supervisor. Components take the App as their
// spawner before Start has created the supervisor.
func (a *App) Go0(name string, fn func(ctx context.Context)) {
	if a.sup == nil {
		a.log.Warn("spawn before start, running detached", logx.String("name", name))
		go fn(context.Background())
		return
	}
	a.sup.Go0(name, fn)
}

// Done is closed when the app context ends (Stop or a fatal error).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first supervised failure, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.Named("supervisor")), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.Named("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.health.AddCheck("storage", a.store.Ping)
	a.health.AddSupervisor("app", func() *supervisor.Supervisor { return a.sup })
	a.health.AddSupervisor("telegram.adapter", a.adapter.Supervisor)
	a.health.AddSupervisor("commands", a.cmdm.Supervisor)
	a.health.AddSupervisor("ops", a.ops.Supervisor)

	a.bot.Register(a.sup.Context(), a.cmdm)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go("deferred.run", func(c context.Context) error {
		if err := a.queue.Run(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	a.sup.Go0("metrics.observe", func(c context.Context) { a.metrics.Run(c, a.bus) })

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Int64("item", e.ItemID), logx.Time("time", e.Time))
			}
		}
	})

	if err := a.extras.Register(a.sched); err != nil {
		a.log.Warn("ancillary schedule rejected", logx.Err(err))
	}
	if _, err := a.sched.AddDaily(pruneJobName, pruneAt, time.Minute, a.pruneCounters); err != nil {
		a.log.Warn("counter prune schedule rejected", logx.Err(err))
	}
	a.sched.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	a.setAutoPost(cfg.Scheduler.AutoPost)
	if m, err := mapConfig(cfg); err == nil {
		a.ops.Reconfigure(a.sup.Context(), m.ops)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.applyConfig(c, newCfg, sections)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Bool("auto_post", cfg.Scheduler.AutoPost), logx.Bool("ancillary", cfg.Ancillary.Enabled))
	return nil
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string) {
	m, err := mapConfig(cfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "deferred", "catalog":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	// update log target first so the Telegram sink sees the new chat
	a.logs.Apply(m.logs)

	a.adapter.SetSurfaces(surfaces(cfg))
	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.bot.SetConfig(m.bot)
	a.pipeline.SetConfig(m.publish)
	a.flow.PrimaryURL = m.publish.PrimaryURL
	a.limiter.SetCaps(m.itemCap, m.userCap)

	a.sched.Apply(m.scheduler)
	a.extras.SetConfig(m.ancillary)
	if err := a.extras.Register(a.sched); err != nil {
		a.log.Warn("ancillary schedule rejected", logx.Err(err))
	}
	a.setAutoPost(cfg.Scheduler.AutoPost)

	a.ops.Reconfigure(ctx, m.ops)
}

// setAutoPost starts or stops the auto-publication loop.
func (a *App) setAutoPost(enabled bool) {
	a.autoMu.Lock()
	defer a.autoMu.Unlock()
	running := a.autoCancel != nil
	switch {
	case enabled && !running:
		ctx, cancel := context.WithCancel(a.sup.Context())
		a.autoCancel = cancel
		a.sup.GoRestart("autopost.run", func(context.Context) error {
			if err := a.auto.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}, supervisor.WithRestartBackoff(time.Second, time.Minute), supervisor.WithStopOnCleanExit(true))
		a.log.Info("auto-publication enabled")
	case !enabled && running:
		a.autoCancel()
		a.autoCancel = nil
		a.log.Info("auto-publication disabled")
	}
}

// pruneCounters drops daily counters from earlier periods.
func (a *App) pruneCounters(ctx context.Context) error {
	today := a.settings.Period()
	names := append(ratelimit.CounterNames(), ancillary.CounterName)
	var total int64
	for _, name := range names {
		n, err := a.store.PruneCounters(ctx, name, today)
		if err != nil {
			return err
		}
		total += n
	}
	if total > 0 {
		a.log.Info("counters pruned", logx.Int64("rows", total), logx.String("period", today))
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("autopost", time.Second, func(context.Context) error { a.setAutoPost(false); return nil })
	step("voting", time.Second, func(context.Context) error { a.votes.Stop(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// wait for supervised goroutines (dispatch, deferred, mirror posts) before closing storage
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func surfaces(cfg *config.Config) map[kit.Surface]int64 {
	out := map[kit.Surface]int64{kit.SurfacePrimary: cfg.Publisher.PrimaryChatID}
	if cfg.Publisher.MirrorChatID != 0 {
		out[kit.SurfaceMirror] = cfg.Publisher.MirrorChatID
	}
	return out
}

// adminNotifier resolves the bot at call time; the request flow is built
// before the bot.
type adminNotifier struct{ a *App }

func (n adminNotifier) NotifyAdmins(ctx context.Context, text string, buttons [][]kit.Button) error {
	if n.a.bot == nil {
		return errors.New("bot not ready")
	}
	return n.a.bot.NotifyAdmins(ctx, text, buttons)
}
