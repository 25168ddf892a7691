package bot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"cinebot/internal/ancillary"
	"cinebot/internal/autopost"
	"cinebot/internal/errs"
	"cinebot/internal/eventbus"
	"cinebot/internal/publish"
	"cinebot/internal/requests"
	kit "cinebot/internal/transport"
	"cinebot/internal/transport/telegram/router"
	"cinebot/internal/voting"
)

const publishTimeout = 2 * time.Minute

func (b *Bot) adminCommands() []router.Command {
	owner := router.AccessOwnerOnly
	return []router.Command{
		{Name: "add", Aliases: []string{"agregar"}, Access: owner, Timeout: time.Minute,
			Description: "agrega una película buscándola en TMDB",
			Usage:       "/add Título (Año) | Nombre_1, Nombre_2 | Enlace",
			Handle:      b.cmdAdd},
		{Name: "add_manual", Access: owner,
			Description: "agrega una película que no está en TMDB",
			Usage:       "/add_manual Título (Año) | Sinopsis | Puntuación | Enlace | URL del Póster",
			Handle:      b.cmdAddManual},
		{Name: "add_id", Access: owner, Timeout: time.Minute,
			Description: "agrega o refresca una película por id de TMDB",
			Usage:       "/add_id <id> [enlace]",
			Handle:      b.cmdAddID},
		{Name: "publish", Aliases: []string{"publicar"}, Access: owner, Timeout: publishTimeout,
			Description: "publica ahora (reemplaza la publicación anterior)",
			Usage:       "/publish <id>",
			Handle:      b.cmdPublish},
		{Name: "schedule", Aliases: []string{"programar"}, Access: owner,
			Description: "programa una publicación",
			Usage:       "/schedule <id> [30m|1h|01:30]",
			Handle:      b.cmdSchedule},
		{Name: "queue", Aliases: []string{"cola"}, Access: owner,
			Description: "publicaciones programadas",
			Handle:      b.cmdQueue},
		{Name: "unschedule", Access: owner,
			Description: "cancela una publicación programada",
			Usage:       "/unschedule <task id>",
			Handle:      b.cmdUnschedule},
		{Name: "quota", Aliases: []string{"cupo"}, Access: owner,
			Description: "publicaciones automáticas por día",
			Usage:       "/quota [n]",
			Handle:      b.cmdQuota},
		{Name: "ancillary_quota", Access: owner,
			Description: "memes y noticias por día",
			Usage:       "/ancillary_quota [n]",
			Handle:      b.cmdAncillaryQuota},
		{Name: "autopost", Access: owner, Timeout: publishTimeout,
			Description: "estado de la auto-publicación",
			Usage:       "/autopost [now]",
			Handle:      b.cmdAutoPost},
		{Name: "ancillary", Access: owner, Timeout: time.Minute,
			Description: "publica un meme o noticia ahora",
			Handle:      b.cmdAncillary},
		{Name: "vote", Aliases: []string{"votar"}, Access: owner,
			Description: "inicia una votación con películas nuevas",
			Handle:      b.cmdVote},
		{Name: "endvote", Access: owner,
			Description: "cancela la votación en curso",
			Handle:      b.cmdEndVote},
		{Name: "delete", Aliases: []string{"borrar"}, Access: owner, Timeout: time.Minute,
			Description: "borra una película y sus publicaciones",
			Usage:       "/delete <id>",
			Handle:      b.cmdDelete},
		{Name: "catalog", Aliases: []string{"catalogo"}, Access: owner,
			Description: "ver catálogo",
			Usage:       "/catalog [página]",
			Handle:      b.cmdCatalog},
	}
}

func publishRequest(id, actor, notify int64, reason string) publish.Request {
	return publish.Request{ExternalID: id, Surface: kit.SurfacePrimary, ActorID: actor, NotifyUser: notify, Reason: reason}
}

func postURL(p Pipeline, ref kit.PostRef) string {
	return publish.PostURL(p.Config().PrimaryURL, ref)
}

func itemButtons(id int64) [][]kit.Button {
	sid := strconv.FormatInt(id, 10)
	return [][]kit.Button{{
		{Text: "📤 Publicar ahora", Data: "publish:" + sid},
		{Text: "⏰ Programar", Data: "schedule:" + sid},
	}}
}

func (b *Bot) cmdAdd(ctx context.Context, req *router.Request) error {
	line, err := requests.ParseAddLine(req.ArgText)
	if err != nil {
		return err
	}
	it, err := b.d.Intake.Add(ctx, line)
	if err != nil {
		return err
	}
	_, err = req.Reply(ctx, "✅ Agregada: "+itemLine(it), htmlWith(itemButtons(it.ExternalID)))
	return err
}

func (b *Bot) cmdAddManual(ctx context.Context, req *router.Request) error {
	line, err := requests.ParseManualLine(req.ArgText)
	if err != nil {
		return err
	}
	it, err := b.d.Intake.AddManual(ctx, line)
	if err != nil {
		return err
	}
	_, err = req.Reply(ctx, "✅ Agregada manualmente: "+itemLine(it), htmlWith(itemButtons(it.ExternalID)))
	return err
}

func (b *Bot) cmdAddID(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return errs.Invariantf("uso: /add_id <id> [enlace]")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	link := ""
	if len(req.Args) > 1 {
		link = req.Args[1]
	}
	it, err := b.d.Intake.AddByID(ctx, id, link)
	if err != nil {
		return err
	}
	_, err = req.Reply(ctx, "✅ Actualizada: "+itemLine(it), htmlWith(itemButtons(it.ExternalID)))
	return err
}

func (b *Bot) cmdPublish(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return errs.Invariantf("uso: /publish <id>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	it, err := b.d.Catalog.Get(ctx, id)
	if err != nil {
		return err
	}
	return b.publishNow(ctx, req, it, 0, "manual")
}

func (b *Bot) cmdSchedule(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return errs.Invariantf("uso: /schedule <id> [retraso]")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	if len(req.Args) < 2 {
		_, err := req.Reply(ctx, "¿Cuándo quieres publicarla?", &kit.SendOptions{Buttons: b.delayButtons(id)})
		return err
	}
	delay, err := parseDelay(req.Args[1])
	if err != nil {
		return err
	}
	text, err := b.schedule(ctx, id, delay, req.FromID)
	if err != nil {
		return err
	}
	_, err = req.Reply(ctx, text, htmlOpts)
	return err
}

// delayButtons lays the configured delay presets out two per row.
func (b *Bot) delayButtons(id int64) [][]kit.Button {
	sid := strconv.FormatInt(id, 10)
	var rows [][]kit.Button
	for i, d := range b.config().DelayPresets {
		btn := kit.Button{Text: "En " + formatDuration(d), Data: "schedule:" + sid + ":" + delayToken(d)}
		if i%2 == 0 {
			rows = append(rows, []kit.Button{btn})
		} else {
			rows[len(rows)-1] = append(rows[len(rows)-1], btn)
		}
	}
	return rows
}

func (b *Bot) schedule(ctx context.Context, id int64, delay time.Duration, by int64) (string, error) {
	it, err := b.d.Catalog.Get(ctx, id)
	if err != nil {
		return "", err
	}
	task, err := b.d.Deferred.Enqueue(id, delay, by)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("⏰ <b>%s</b> se publicará en %s (%s).\nTarea <code>%s</code>",
		html.EscapeString(itemTitle(it)), formatDuration(delay),
		task.FireAt.In(b.config().Location).Format("02/01 15:04"), task.ID), nil
}

func (b *Bot) cmdQueue(ctx context.Context, req *router.Request) error {
	tasks := b.d.Deferred.Pending()
	if len(tasks) == 0 {
		_, err := req.Reply(ctx, "No hay publicaciones programadas.", nil)
		return err
	}
	loc := b.config().Location
	lines := []string{fmt.Sprintf("⏰ <b>Programadas</b> (%s)", count(len(tasks)))}
	for _, t := range tasks {
		title := strconv.FormatInt(t.ExternalID, 10)
		if it, err := b.d.Catalog.Get(ctx, t.ExternalID); err == nil {
			title = itemTitle(it)
		}
		lines = append(lines, fmt.Sprintf("• %s · %s · <code>%s</code>",
			t.FireAt.In(loc).Format("02/01 15:04"), html.EscapeString(title), t.ID))
	}
	_, err := req.Reply(ctx, strings.Join(lines, "\n"), htmlOpts)
	return err
}

func (b *Bot) cmdUnschedule(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return errs.Invariantf("uso: /unschedule <task id>")
	}
	if !b.d.Deferred.Cancel(req.Args[0]) {
		return errs.NotFoundf("task %s", req.Args[0])
	}
	_, err := req.Reply(ctx, "🗑️ Publicación programada cancelada.", nil)
	return err
}

func (b *Bot) cmdQuota(ctx context.Context, req *router.Request) error {
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 0 {
			return errs.Invariantf("el cupo debe ser un número >= 0")
		}
		if err := b.d.Quotas.SetDailyItemQuota(ctx, n); err != nil {
			return err
		}
		b.d.Bus.Publish(eventbus.Event{Type: eventbus.QuotaChanged, Data: map[string]any{"key": "daily_item_quota", "value": n, "by": req.FromID}})
	}
	n, stored, err := b.d.Quotas.DailyItemQuota(ctx)
	if err != nil {
		return err
	}
	every := autopost.Interval(n, b.d.Quotas.DefaultItemQuota())
	suffix := ""
	if !stored {
		suffix = " (predeterminado)"
	}
	_, err = req.Reply(ctx, fmt.Sprintf("⚙️ Auto-publicación: <b>%s</b> por día%s, una cada %s.", count(n), suffix, formatDuration(every)), htmlOpts)
	return err
}

func (b *Bot) cmdAncillaryQuota(ctx context.Context, req *router.Request) error {
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 0 {
			return errs.Invariantf("el cupo debe ser un número >= 0")
		}
		if err := b.d.Quotas.SetDailyAncillaryQuota(ctx, n); err != nil {
			return err
		}
		b.d.Bus.Publish(eventbus.Event{Type: eventbus.QuotaChanged, Data: map[string]any{"key": "daily_ancillary_quota", "value": n, "by": req.FromID}})
	}
	n, _, err := b.d.Quotas.DailyAncillaryQuota(ctx)
	if err != nil {
		return err
	}
	_, err = req.Reply(ctx, fmt.Sprintf("⚙️ Memes y noticias: <b>%s</b> por día.", count(n)), htmlOpts)
	return err
}

func (b *Bot) cmdAutoPost(ctx context.Context, req *router.Request) error {
	if len(req.Args) > 0 && strings.EqualFold(req.Args[0], "now") {
		id, err := b.d.AutoPost.RunCycle(ctx)
		if err != nil {
			return err
		}
		if id == 0 {
			_, err := req.Reply(ctx, "No hay películas sin publicar.", nil)
			return err
		}
		_, err = req.Reply(ctx, fmt.Sprintf("✅ Auto-publicada <code>%d</code>.", id), htmlOpts)
		return err
	}
	every, err := b.d.AutoPost.NextInterval(ctx)
	if err != nil {
		return err
	}
	_, err = req.Reply(ctx, fmt.Sprintf("⚙️ La auto-publicación elige una película nueva cada %s. Usa <code>/autopost now</code> para publicar ya.", formatDuration(every)), htmlOpts)
	return err
}

func (b *Bot) cmdAncillary(ctx context.Context, req *router.Request) error {
	if b.d.Ancillary == nil {
		return errs.Invariantf("memes y noticias desactivados")
	}
	res, err := b.d.Ancillary.Post(ctx)
	if err != nil {
		return err
	}
	if res.Kind == ancillary.KindNone {
		_, err = req.Reply(ctx, fmt.Sprintf("Cupo diario agotado (%d/%d).", res.Count, res.Quota), nil)
		return err
	}
	_, err = req.Reply(ctx, fmt.Sprintf("✅ Publicado (%s) %d/%d hoy.", res.Kind, res.Count, res.Quota), nil)
	return err
}

func (b *Bot) cmdVote(ctx context.Context, req *router.Request) error {
	cfg := b.config()
	items, err := b.d.Voting.PickCandidates(ctx, cfg.VoteCandidates)
	if errs.IsNotFound(err) {
		_, err := req.Reply(ctx, fmt.Sprintf("No hay suficientes películas nuevas para votar. Agrega al menos %d.", cfg.VoteCandidates), nil)
		return err
	}
	if err != nil {
		return err
	}
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ExternalID
	}
	s, err := b.d.Voting.Start(ctx, voting.StartRequest{
		Candidates: ids,
		Threshold:  cfg.VoteThreshold,
		Duration:   cfg.VoteDuration,
		AnnounceTo: req.Chat.ChatID,
		StartedBy:  req.FromID,
	})
	if err != nil {
		return err
	}
	rows := make([][]kit.Button, 0, len(items))
	lines := []string{"🗳️ <b>¡Vota por la próxima película!</b>", ""}
	for _, it := range items {
		lines = append(lines, "• "+html.EscapeString(itemTitle(it)))
		rows = append(rows, []kit.Button{{
			Text: "Votar por " + itemTitle(it),
			Data: fmt.Sprintf("vote:%s:%d", s.ID, it.ExternalID),
		}})
	}
	lines = append(lines, "", fmt.Sprintf("Gana la primera en llegar a %d votos o la más votada en %s.", s.Threshold, formatDuration(s.Duration)))
	_, err = req.Reply(ctx, strings.Join(lines, "\n"), htmlWith(rows))
	return err
}

func (b *Bot) cmdEndVote(ctx context.Context, req *router.Request) error {
	if !b.d.Voting.Stop() {
		return voting.ErrNoSession
	}
	_, err := req.Reply(ctx, "Votación cancelada.", nil)
	return err
}

func (b *Bot) cmdDelete(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return errs.Invariantf("uso: /delete <id>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	it, err := b.d.Catalog.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := b.d.Pipeline.Remove(ctx, id); err != nil {
		return err
	}
	_, err = req.Reply(ctx, "🗑️ Borrada "+html.EscapeString(itemTitle(it)), htmlOpts)
	return err
}

func (b *Bot) cmdCatalog(ctx context.Context, req *router.Request) error {
	page := 0
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 1 {
			return errs.Invariantf("página inválida")
		}
		page = n - 1
	}
	text, rows, err := b.catalogPage(ctx, page)
	if err != nil {
		return err
	}
	_, err = req.Reply(ctx, text, htmlWith(rows))
	return err
}

func (b *Bot) catalogPage(ctx context.Context, page int) (string, [][]kit.Button, error) {
	size := b.config().PageSize
	total, err := b.d.Catalog.Count(ctx)
	if err != nil {
		return "", nil, err
	}
	if total == 0 {
		return "El catálogo está vacío. Usa /add para agregar películas.", nil, nil
	}
	pages := (total + size - 1) / size
	page = min(max(page, 0), pages-1)
	items, err := b.d.Catalog.List(ctx, page*size, size)
	if err != nil {
		return "", nil, err
	}

	lines := []string{fmt.Sprintf("📋 <b>Catálogo</b> · %s películas · página %d/%d", count(total), page+1, pages), ""}
	rows := make([][]kit.Button, 0, len(items)+1)
	for _, it := range items {
		lines = append(lines, itemLine(it))
		sid := strconv.FormatInt(it.ExternalID, 10)
		rows = append(rows, []kit.Button{
			{Text: "📤 " + truncate(itemTitle(it), 28), Data: "publish:" + sid},
			{Text: "⏰", Data: "schedule:" + sid},
		})
	}
	var nav []kit.Button
	if page > 0 {
		nav = append(nav, kit.Button{Text: "◀️", Data: "catalog:" + strconv.Itoa(page-1)})
	}
	if page < pages-1 {
		nav = append(nav, kit.Button{Text: "▶️", Data: "catalog:" + strconv.Itoa(page+1)})
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	return strings.Join(lines, "\n"), rows, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
