package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"cinebot/internal/errs"
	logx "cinebot/pkg/logx"
)

// AddSchedule parses schedule and registers either a cron or interval job.
// Registering an existing name replaces it.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, job)
	default:
		return "", errors.New("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", errs.Invariantf("invalid cron spec %q: %v", spec, err)
	}
	return s.register(name, "cron", spec, timeout, job)
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) (string, error) {
	if every <= 0 {
		return "", errs.Invariantf("interval must be > 0")
	}
	return s.register(name, "interval", "@every "+every.String(), timeout, job)
}

// AddDaily runs job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name string, atHHMM string, timeout time.Duration, job Job) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

func (s *Service) register(name, kind, spec string, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errs.Invariantf("name required")
	}
	if job == nil {
		return "", errs.Invariantf("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.removeLocked(name)
	d := scheduleDef{
		id:      fmt.Sprintf("%s:%d", kind, time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return name, nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return name, nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// RunNow runs a registered job synchronously, honoring the skip-if-running rule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return errs.NotFoundf("schedule %q", name)
	}
	return s.run(ctx, *def)
}

// removeLocked drops every def named name. Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	base := s.base
	job := cron.FuncJob(func() {
		if err := s.run(base, def); err != nil && !errors.Is(err, ErrSkipped) {
			s.log.Warn("scheduled job failed", logx.String("schedule", def.name), logx.Err(err))
		}
	})

	spec := strings.TrimSpace(d.spec)
	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		every, err := time.ParseDuration(strings.TrimSpace(rest))
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := intervalWithSpread(every, time.Now().In(loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// ErrSkipped is returned when a previous run of the same schedule is still in flight.
var ErrSkipped = errs.Invariantf("previous run still in flight")

// run executes def once. A run whose previous invocation is still in flight is skipped.
func (s *Service) run(ctx context.Context, def scheduleDef) error {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	if _, busy := s.running.LoadOrStore(def.name, struct{}{}); busy {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", def.name))
		s.record(HistoryItem{Name: def.name, Started: started, Skipped: true})
		return ErrSkipped
	}
	defer s.running.Delete(def.name)

	timeout := def.timeout
	if timeout <= 0 {
		s.mu.Lock()
		timeout = s.cfg.DefaultTimeout
		s.mu.Unlock()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := def.job(ctx)
	h := HistoryItem{Name: def.name, Started: started, Duration: time.Since(started)}
	if err != nil {
		h.Err = err.Error()
	}
	s.record(h)
	return err
}

// previewNextRunsLocked lists upcoming run times for debug logs. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, errs.Invariantf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, errs.Invariantf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, errs.Invariantf("invalid minute in %q", s)
	}
	return h, m, nil
}
