package bot

import (
	"context"
	"fmt"
	"html"

	"github.com/cockroachdb/errors"

	kit "cinebot/internal/transport"
	"cinebot/internal/voting"
	logx "cinebot/pkg/logx"
)

// NotifyAdmins sends text to every owner's private chat. It fails only when
// no owner could be reached.
func (b *Bot) NotifyAdmins(ctx context.Context, text string, buttons [][]kit.Button) error {
	owners := b.config().Owners
	if len(owners) == 0 {
		return errors.New("no owners configured")
	}
	var errsOut []error
	for _, id := range owners {
		if _, err := b.d.Adapter.SendText(ctx, kit.ChatTarget{ChatID: id}, text, htmlWith(buttons)); err != nil {
			b.d.Log.Warn("admin notify failed", logx.Int64("owner", id), logx.Err(err))
			errsOut = append(errsOut, err)
		}
	}
	if len(errsOut) == len(owners) {
		return errors.Join(errsOut...)
	}
	return nil
}

// AnnounceVote tells the chat that started a vote how it ended. Install it
// with voting.Engine.SetOnResolved.
func (b *Bot) AnnounceVote(ctx context.Context, r voting.Resolution) {
	if r.AnnounceTo == 0 {
		return
	}
	text := b.voteText(ctx, r)
	if _, err := b.d.Adapter.SendText(ctx, kit.ChatTarget{ChatID: r.AnnounceTo}, text, htmlOpts); err != nil {
		b.d.Log.Warn("vote announcement failed", logx.String("session", r.SessionID), logx.Err(err))
	}
}

func (b *Bot) voteText(ctx context.Context, r voting.Resolution) string {
	if r.Winner == 0 {
		return "🗳️ La votación terminó sin votos."
	}
	title := fmt.Sprintf("%d", r.Winner)
	if it, err := b.d.Catalog.Get(ctx, r.Winner); err == nil {
		title = itemTitle(it)
	}
	if r.Err != nil {
		return fmt.Sprintf("🗳️ Ganó <b>%s</b> con %d votos, pero no se pudo publicar: %s",
			html.EscapeString(title), r.Votes[r.Winner], html.EscapeString(Describe(r.Err)))
	}
	return fmt.Sprintf("🏆 ¡<b>%s</b> ganó la votación con %d votos! Ya está en el canal: %s",
		html.EscapeString(title), r.Votes[r.Winner], html.EscapeString(postURL(b.d.Pipeline, r.Ref)))
}
