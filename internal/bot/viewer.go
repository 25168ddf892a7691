package bot

import (
	"context"
	"fmt"
	"html"
	"strings"

	"cinebot/internal/catalog"
	"cinebot/internal/requests"
	"cinebot/internal/transport/telegram/router"
	logx "cinebot/pkg/logx"
)

func (b *Bot) viewerCommands() []router.Command {
	return []router.Command{
		{
			Name:        "start",
			Description: "bienvenida",
			Handle:      b.cmdStart,
		},
		{
			Name:        "request",
			Aliases:     []string{"pedir"},
			Description: "pide una película",
			Usage:       "/request <título>",
			Handle:      b.cmdRequest,
		},
		{
			Name:        "premieres",
			Aliases:     []string{"estrenos"},
			Description: "últimas películas publicadas",
			Handle:      b.cmdPremieres,
		},
		{
			Name:        "search",
			Aliases:     []string{"buscar"},
			Description: "busca por género, actor o título",
			Handle:      b.cmdSearch,
		},
		{
			Name:        "recommend",
			Aliases:     []string{"recomiendame"},
			Description: "películas populares ahora",
			Handle:      b.cmdRecommend,
		},
	}
}

func (b *Bot) cmdStart(ctx context.Context, req *router.Request) error {
	if strings.EqualFold(strings.TrimSpace(req.ArgText), "request") {
		return b.askTitle(ctx, req)
	}
	text := "¡Hola! Soy el bot del canal de películas.\n\n" +
		"• /request para pedir una película\n" +
		"• /premieres para ver lo último publicado\n" +
		"• /search para buscar por género o actor\n" +
		"• /recommend para ver lo más popular"
	if req.Owner {
		text = "¡Hola, administrador! Usa /help para ver los comandos de gestión."
	}
	_, err := req.Reply(ctx, text, nil)
	return err
}

func (b *Bot) cmdRequest(ctx context.Context, req *router.Request) error {
	if strings.TrimSpace(req.ArgText) == "" {
		return b.askTitle(ctx, req)
	}
	return b.submitRequest(ctx, req, req.ArgText)
}

func (b *Bot) askTitle(ctx context.Context, req *router.Request) error {
	b.pending.Add(req.FromID, pending{kind: awaitingTitle})
	_, err := req.Reply(ctx, "🎬 Escribe el nombre de la película que quieres ver.", nil)
	return err
}

func (b *Bot) submitRequest(ctx context.Context, req *router.Request, title string) error {
	r := requests.Request{UserID: req.FromID, Title: title}
	if msg := req.Message(); msg != nil {
		r.Username = msg.FromUsername
	}
	res, err := b.d.Requests.Submit(ctx, r)
	if err != nil {
		return err
	}
	_, err = req.Reply(ctx, requestReply(res), htmlOpts)
	return err
}

func requestReply(res requests.Result) string {
	title := ""
	if res.Item != nil {
		title = html.EscapeString(itemTitle(*res.Item))
	}
	switch res.Outcome {
	case requests.OutcomeUserLimited:
		return "Has alcanzado el límite de solicitudes de hoy. Vuelve mañana 🙏"
	case requests.OutcomeExistingLink:
		if res.PostURL == "" {
			return fmt.Sprintf("<b>%s</b> ya fue solicitada hoy. ¡Pronto estará en el canal!", title)
		}
		return fmt.Sprintf("<b>%s</b> ya está en el canal: %s", title, html.EscapeString(res.PostURL))
	case requests.OutcomePublished:
		return fmt.Sprintf("✅ ¡Listo! Publicamos <b>%s</b>: %s", title, html.EscapeString(res.PostURL))
	case requests.OutcomeForwarded:
		return "📨 Tu solicitud fue enviada a los administradores. Te avisaremos cuando esté disponible."
	default:
		return "No encontramos esa película, pero los administradores revisarán tu solicitud."
	}
}

func (b *Bot) cmdPremieres(ctx context.Context, req *router.Request) error {
	items, err := b.d.Catalog.RecentlyPosted(ctx, 10)
	if err != nil {
		return err
	}
	head := "🎞️ <b>¡Estrenos!</b>\nLo último publicado en el canal. Escribe el nombre de una para pedirla.\n"
	if len(items) == 0 {
		if items, err = b.d.Catalog.List(ctx, 0, 10); err != nil {
			return err
		}
		if len(items) == 0 {
			_, err := req.Reply(ctx, "Aún no hay películas en el catálogo. ¡Pronto habrá!", nil)
			return err
		}
		head = "🎞️ <b>¡Estrenos!</b>\nNo hay estrenos recientes, pero estas películas del catálogo podrían interesarte.\n"
	}
	lines := []string{head}
	for _, it := range items {
		lines = append(lines, "• "+html.EscapeString(itemTitle(it)))
	}
	_, err = req.Reply(ctx, strings.Join(lines, "\n"), htmlOpts)
	return err
}

func (b *Bot) cmdRecommend(ctx context.Context, req *router.Request) error {
	if b.d.News == nil {
		_, err := req.Reply(ctx, "Las recomendaciones no están disponibles.", nil)
		return err
	}
	movies, err := b.d.News.Popular(ctx)
	if err != nil {
		return err
	}
	if len(movies) == 0 {
		_, err := req.Reply(ctx, "No pude obtener recomendaciones ahora mismo.", nil)
		return err
	}
	lines := []string{"✨ <b>¡Películas recomendadas!</b>", ""}
	for _, m := range movies[:min(5, len(movies))] {
		lines = append(lines, recommendLine(m))
	}
	_, err = req.Reply(ctx, strings.Join(lines, "\n"), htmlOpts)
	return err
}

func recommendLine(d catalog.Detail) string {
	line := "🎬 <b>" + html.EscapeString(d.Title) + "</b>"
	if d.Year > 0 {
		line += fmt.Sprintf(" (%d)", d.Year)
	}
	if d.Score > 0 {
		line += fmt.Sprintf(" ⭐ %.1f", d.Score)
	}
	return line
}

// onText handles private text that is not a command: the answer to a pending
// prompt, or a title typed by a viewer.
func (b *Bot) onText(ctx context.Context, req *router.Request) error {
	text := strings.TrimSpace(req.ArgText)
	p, ok := b.pending.Get(req.FromID)
	if ok {
		b.pending.Remove(req.FromID)
		switch p.kind {
		case awaitingTitle:
			return b.submitRequest(ctx, req, text)
		case awaitingLink:
			return b.completeRequest(ctx, req, p, text)
		case awaitingActor:
			return b.showActor(ctx, req, text)
		}
	}
	if req.Owner {
		_, err := req.Reply(ctx, "No hay nada pendiente. Usa /help para ver los comandos.", nil)
		return err
	}
	return b.submitRequest(ctx, req, text)
}

// completeRequest adds the requested item with the operator's link and
// publishes it, telling the requester.
func (b *Bot) completeRequest(ctx context.Context, req *router.Request, p pending, link string) error {
	if !strings.HasPrefix(link, "http") {
		b.pending.Add(req.FromID, p)
		_, err := req.Reply(ctx, "Eso no parece un enlace. Envía la URL de la película.", nil)
		return err
	}
	it, err := b.d.Intake.AddByID(ctx, p.itemID, link)
	if err != nil {
		return err
	}
	return b.publishNow(ctx, req, it, p.requester, "request")
}

func (b *Bot) publishNow(ctx context.Context, req *router.Request, it catalog.Item, notify int64, reason string) error {
	ref, err := b.d.Pipeline.Publish(ctx, publishRequest(it.ExternalID, req.FromID, notify, reason))
	if err != nil {
		return err
	}
	url := postURL(b.d.Pipeline, ref)
	req.Logger.Info("published from chat", logx.Int64("item", it.ExternalID), logx.String("reason", reason))
	_, err = req.Reply(ctx, fmt.Sprintf("✅ Publicada <b>%s</b>\n%s", html.EscapeString(itemTitle(it)), html.EscapeString(url)), htmlOpts)
	return err
}
