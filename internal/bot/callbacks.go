package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"cinebot/internal/errs"
	"cinebot/internal/requests"
	kit "cinebot/internal/transport"
	"cinebot/internal/transport/telegram/router"
	"cinebot/internal/voting"
)

func (b *Bot) callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Prefix: "vote", Access: router.AccessEveryone, Timeout: publishTimeout, Handle: b.cbVote},
		{Prefix: "publish", Access: router.AccessOwnerOnly, Timeout: publishTimeout, Handle: b.cbPublish},
		{Prefix: "schedule", Access: router.AccessOwnerOnly, Handle: b.cbSchedule},
		{Prefix: "catalog", Access: router.AccessOwnerOnly, Handle: b.cbCatalog},
		{Prefix: "request", Access: router.AccessOwnerOnly, Timeout: publishTimeout, Handle: b.cbRequest},
		{Prefix: "search", Access: router.AccessEveryone, Timeout: publishTimeout, Handle: b.cbSearch},
	}
}

// cbVote handles "vote:<session>:<item>".
func (b *Bot) cbVote(ctx context.Context, req *router.Request, payload string) error {
	sid, rawID, ok := strings.Cut(payload, ":")
	if !ok {
		return errs.Invariantf("voto inválido")
	}
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	res, err := b.d.Voting.CastVote(ctx, sid, req.FromID, id)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case voting.AlreadyVoted:
		return req.Answer(ctx, "Ya has votado")
	case voting.Won:
		return req.Answer(ctx, "¡Voto registrado! Tu voto decidió la votación 🎉")
	default:
		return req.Answer(ctx, fmt.Sprintf("¡Voto registrado! (%d)", res.Votes))
	}
}

func (b *Bot) cbPublish(ctx context.Context, req *router.Request, payload string) error {
	id, err := parseID(payload)
	if err != nil {
		return err
	}
	it, err := b.d.Catalog.Get(ctx, id)
	if err != nil {
		return err
	}
	_ = req.Answer(ctx, "Publicando…")
	return b.publishNow(ctx, req, it, 0, "manual")
}

// cbSchedule handles "schedule:<id>" (ask for a delay) and
// "schedule:<id>:<delay>".
func (b *Bot) cbSchedule(ctx context.Context, req *router.Request, payload string) error {
	rawID, rawDelay, hasDelay := strings.Cut(payload, ":")
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	if !hasDelay {
		_, err := req.Reply(ctx, "¿Cuándo quieres publicarla?", &kit.SendOptions{Buttons: b.delayButtons(id)})
		return err
	}
	delay, err := parseDelay(rawDelay)
	if err != nil {
		return err
	}
	text, err := b.schedule(ctx, id, delay, req.FromID)
	if err != nil {
		return err
	}
	if cb := req.Callback(); cb != nil {
		ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
		if err := req.Adapter.EditText(ctx, ref, text, htmlOpts); err == nil {
			return req.Answer(ctx, "Programada ⏰")
		}
	}
	_, err = req.Reply(ctx, text, htmlOpts)
	return err
}

func (b *Bot) cbCatalog(ctx context.Context, req *router.Request, payload string) error {
	page, err := strconv.Atoi(payload)
	if err != nil {
		return errs.Invariantf("página inválida")
	}
	text, rows, err := b.catalogPage(ctx, page)
	if err != nil {
		return err
	}
	cb := req.Callback()
	if cb == nil {
		_, err := req.Reply(ctx, text, htmlWith(rows))
		return err
	}
	return req.Adapter.EditText(ctx, kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}, text, htmlWith(rows))
}

// cbRequest handles the operator button attached to a forwarded request. A
// cataloged item with a link is published right away; otherwise the operator
// is asked for the link.
func (b *Bot) cbRequest(ctx context.Context, req *router.Request, payload string) error {
	id, requester, err := requests.ParseRequestCallback("request:" + payload)
	if err != nil {
		return err
	}
	it, err := b.d.Catalog.Get(ctx, id)
	switch {
	case err == nil && it.ExternalLink != "":
		_ = req.Answer(ctx, "Publicando…")
		return b.publishNow(ctx, req, it, requester, "request")
	case err != nil && !errs.IsNotFound(err):
		return err
	}
	b.pending.Add(req.FromID, pending{kind: awaitingLink, itemID: id, requester: requester})
	_, err = req.Reply(ctx, fmt.Sprintf("🔗 Envía el enlace para <code>%d</code>. La publicaré y avisaré a quien la pidió (tienes %s).",
		id, formatDuration(pendingTTL)), htmlOpts)
	return err
}
