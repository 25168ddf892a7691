// Package router dispatches Telegram updates to command and callback handlers
// on a bounded worker pool, with owner-only access control.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"cinebot/internal/runtime/supervisor"
	kit "cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline-button data of the form "<prefix>:<payload>".
// The zero Access lets anyone press the button.
type CallbackRoute struct {
	Prefix  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	// Args are the quote-aware tokens after the command word; ArgText is the raw remainder.
	Args    []string
	ArgText string
	Payload string
	ReqID   string
	Owner   bool

	Adapter kit.Adapter
	Logger  logx.Logger

	answered bool
}

func (r *Request) Message() *kit.Message   { return r.Update.Message }
func (r *Request) Callback() *kit.Callback { return r.Update.Callback }

// Reply sends text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return r.Adapter.SendText(ctx, r.Chat, text, opt)
}

// Answer stops the callback spinner with an optional toast. No-op for messages.
func (r *Request) Answer(ctx context.Context, text string) error {
	cb := r.Callback()
	if cb == nil || r.answered {
		return nil
	}
	r.answered = true
	return r.Adapter.AnswerCallback(ctx, cb.ID, text)
}

type Options struct {
	Owners []int64
	// Describe turns a handler error into a user-facing message. Nil keeps errors silent.
	Describe func(error) string
	Workers  int
	QueueCap int
}

type CommandManager struct {
	mu       sync.RWMutex
	cmds     map[string]*Command
	alias    map[string]*Command
	ordered  []*Command
	cbs      map[string]CallbackRoute
	fallback HandlerFunc
	owners   []int64

	log      logx.Logger
	adapter  kit.Adapter
	describe func(error) string
	workers  int

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, opts Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 2)
	}
	queue := opts.QueueCap
	if queue <= 0 {
		queue = 256
	}
	return &CommandManager{
		cmds:     map[string]*Command{},
		alias:    map[string]*Command{},
		cbs:      map[string]CallbackRoute{},
		owners:   slices.Clone(opts.Owners),
		log:      log,
		adapter:  adapter,
		describe: opts.Describe,
		workers:  workers,
		jobs:     make(chan func(), queue),
	}
}

// Supervisor returns the dispatcher's supervisor, nil when not running.
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is panic-safe against the jobs channel being closed.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) IsOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// SetFallback handles private non-command text (e.g. a title typed after /request).
func (m *CommandManager) SetFallback(h HandlerFunc) {
	m.mu.Lock()
	m.fallback = h
	m.mu.Unlock()
}

// SetRegistry replaces every command and callback route and refreshes the chat menu.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command, cbs []CallbackRoute) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"ayuda"},
		Description: "muestra la ayuda",
		Usage:       "/help [comando]",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Reply(ctx, m.helpText(req.Args, req.Owner), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return err
		},
	})

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		ordered = append(ordered, &cc)
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" && a != name {
				alias[a] = &cc
			}
		}
	}
	slices.SortFunc(ordered, func(a, b *Command) int { return strings.Compare(a.Name, b.Name) })

	routes := map[string]CallbackRoute{}
	for _, r := range cbs {
		p := strings.TrimSpace(r.Prefix)
		if p == "" || r.Handle == nil {
			continue
		}
		routes[p] = r
	}

	m.mu.Lock()
	m.cmds = byName
	m.alias = alias
	m.ordered = ordered
	m.cbs = routes
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildTelegramMenuCommands(ordered)
	go func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			m.log.Debug("menu update failed", logx.Err(err))
		}
	}()
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.Named("telegram.router")),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.Route(ctx, up)
		}
	}
}

// Route dispatches one update. Handlers run on the worker pool.
func (m *CommandManager) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if !strings.HasPrefix(text, "/") {
		m.mu.RLock()
		fb := m.fallback
		m.mu.RUnlock()
		if fb == nil || !msg.Private || text == "" {
			return
		}
		m.enqueue(ctx, m.newRequest(up, chat, msg.FromID, "text"), Command{Name: "text", Handle: fb}, text)
		return
	}

	word, rest, _ := strings.Cut(text, " ")
	word = strings.ToLower(strings.TrimPrefix(word, "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	m.mu.RLock()
	cmd, ok := m.cmds[word]
	if !ok {
		cmd, ok = m.alias[word]
	}
	m.mu.RUnlock()
	if !ok {
		if msg.Private {
			_, _ = m.adapter.SendText(ctx, chat, "Comando desconocido. Prueba /help", nil)
		}
		return
	}

	req := m.newRequest(up, chat, msg.FromID, cmd.Name)
	if cmd.Access == AccessOwnerOnly && !req.Owner {
		_, _ = m.adapter.SendText(ctx, chat, "⛔ Este comando es solo para administradores.", nil)
		return
	}
	m.enqueue(ctx, req, *cmd, strings.TrimSpace(rest))
}

func (m *CommandManager) enqueue(ctx context.Context, req *Request, cmd Command, argText string) {
	req.ArgText = argText
	req.Args = tokenizeCommandLine(argText)
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWReplyError(m.describe),
		MWTimeout(cmd.Timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, req.Chat, "Estoy ocupado, inténtalo de nuevo en un momento.", nil)
	}
}

func (m *CommandManager) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	prefix, payload, _ := strings.Cut(strings.TrimSpace(cb.Data), ":")

	m.mu.RLock()
	route, ok := m.cbs[prefix]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	req := m.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, "cb:"+prefix)
	req.Payload = payload
	if route.Access == AccessOwnerOnly && !req.Owner {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "⛔ Solo administradores")
		return
	}

	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	final := Chain(
		h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWReplyError(m.describe),
		MWTimeout(route.Timeout),
	)
	if !m.tryEnqueue(func() {
		_ = final(ctx, req)
		_ = req.Answer(ctx, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "Ocupado")
	}
}

func (m *CommandManager) newRequest(up kit.Update, chat kit.ChatTarget, from int64, command string) *Request {
	rid := newReqID()
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: command,
		ReqID:   rid,
		Owner:   m.IsOwner(from),
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", command),
		),
	}
}
