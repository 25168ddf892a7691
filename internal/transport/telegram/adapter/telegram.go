package adapter

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"cinebot/internal/errs"
	rtsup "cinebot/internal/runtime/supervisor"
	kit "cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Surfaces maps publication surfaces to chat ids.
	Surfaces map[kit.Surface]int64
	// Offline skips the getMe handshake (tests).
	Offline bool
}

// Adapter is the telebot-backed transport. It implements kit.Adapter,
// kit.Publisher, kit.CommandMenuUpdater and logx.Sender.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	surfMu   sync.RWMutex
	surfaces map[kit.Surface]int64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, errors.Wrap(err, "telegram: new bot")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: b}
	a.SetSurfaces(cfg.Surfaces)
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// SetSurfaces swaps the surface to chat mapping (config hot reload).
func (a *Adapter) SetSurfaces(m map[kit.Surface]int64) {
	cp := make(map[kit.Surface]int64, len(m))
	for k, v := range m {
		if v != 0 {
			cp[k] = v
		}
	}
	a.surfMu.Lock()
	a.surfaces = cp
	a.surfMu.Unlock()
}

func (a *Adapter) chatFor(s kit.Surface) (int64, bool) {
	a.surfMu.RLock()
	defer a.surfMu.RUnlock()
	id, ok := a.surfaces[s]
	return id, ok
}

// Supervisor returns the poll-loop supervisor, nil when stopped.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
				Private:      m.Private(),
			},
		})
		return nil
	})
	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || cb.Sender == nil {
			return nil
		}
		up := &kit.Callback{
			ID:           cb.ID,
			FromID:       cb.Sender.ID,
			FromUsername: cb.Sender.Username,
			Data:         cb.Data,
		}
		if m := cb.Message; m != nil {
			up.ChatID, up.ThreadID, up.MessageID = m.Chat.ID, m.ThreadID, m.ID
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateCallback, Callback: up})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.Named("telegram.adapter")),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-t.C:
				report()
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	// Keep shutdown snappy even if a getUpdates long-poll is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func markup(rows [][]kit.Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			r = append(r, tele.InlineButton{Text: b.Text, URL: b.URL, Data: b.Data})
		}
		kb = append(kb, r)
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}

// SendPost publishes p to the chat behind surface.
func (a *Adapter) SendPost(ctx context.Context, surface kit.Surface, p kit.Post) (kit.PostRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.PostRef{}, err
	}
	chatID, ok := a.chatFor(surface)
	if !ok {
		return kit.PostRef{}, errs.Invariantf("surface %q has no chat configured", surface)
	}
	opts := &tele.SendOptions{
		ParseMode:             p.ParseMode,
		DisableWebPagePreview: p.DisablePreview,
		ReplyMarkup:           markup(p.Buttons),
	}
	var what any = p.Text
	if p.PhotoURL != "" {
		what = &tele.Photo{File: tele.FromURL(p.PhotoURL), Caption: p.Text}
	}
	msg, err := a.bot.Send(tele.ChatID(chatID), what, opts)
	if err != nil {
		return kit.PostRef{}, errs.Transient(err, "telegram: send post")
	}
	return kit.PostRef{Surface: surface, ChatID: chatID, MessageID: msg.ID}, nil
}

func (a *Adapter) DeletePost(ctx context.Context, ref kit.PostRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := a.bot.Delete(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}})
	if err != nil {
		return errs.Transient(err, "telegram: delete post")
	}
	return nil
}

func (a *Adapter) Notify(ctx context.Context, userID int64, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: userID}, text, &kit.SendOptions{ParseMode: tele.ModeHTML, DisablePreview: true})
	return err
}

// SendLog implements logx.Sender.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		so := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if i == 0 {
			so.ReplyMarkup = markup(opt.Buttons)
		}
		msg, err := a.bot.Send(tele.ChatID(to.ChatID), chunk, so)
		if err != nil {
			return first, errs.Transient(err, "telegram: send text")
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText edits ref in place; overflow beyond one message is sent as follow-ups.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	so := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview, ReplyMarkup: markup(opt.Buttons)}
	if _, err := a.bot.Edit(m, chunks[0], so); err != nil {
		return errs.Transient(err, "telegram: edit")
	}
	if len(chunks) > 1 {
		rest := strings.Join(chunks[1:], "\n")
		_, err := a.SendText(ctx, kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, rest, &kit.SendOptions{ParseMode: opt.ParseMode, DisablePreview: opt.DisablePreview})
		return err
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// UpdateMenuCommands calls setMyCommands only when the list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		out = append(out, tele.Command{Text: c.Command, Description: d})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return errs.Transient(err, "telegram: set commands")
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
