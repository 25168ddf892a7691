package bot

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	"cinebot/internal/requests"
	kit "cinebot/internal/transport"
	"cinebot/internal/transport/telegram/router"
)

const genresPerRow = 3

func (b *Bot) cmdSearch(ctx context.Context, req *router.Request) error {
	if b.d.Finder == nil {
		_, err := req.Reply(ctx, "La búsqueda no está disponible.", nil)
		return err
	}
	rows := [][]kit.Button{
		{{Text: "🎭 Por género", Data: "search:genres"}, {Text: "🧑‍🎤 Por actor", Data: "search:actor"}},
		{{Text: "🔎 Por título", Data: "search:title"}},
	}
	_, err := req.Reply(ctx, "¿Cómo quieres buscar?", &kit.SendOptions{Buttons: rows})
	return err
}

// cbSearch handles "search:genres", "search:actor", "search:title",
// "search:genre:<id>" and "search:pick:<id>".
func (b *Bot) cbSearch(ctx context.Context, req *router.Request, payload string) error {
	if b.d.Finder == nil {
		return req.Answer(ctx, "La búsqueda no está disponible.")
	}
	action, arg, _ := strings.Cut(payload, ":")
	switch action {
	case "genres":
		_ = req.Answer(ctx, "")
		_, err := req.Reply(ctx, "Elige un género:", &kit.SendOptions{Buttons: b.genreButtons()})
		return err
	case "actor":
		_ = req.Answer(ctx, "")
		b.pending.Add(req.FromID, pending{kind: awaitingActor})
		_, err := req.Reply(ctx, "🧑‍🎤 Escribe el nombre del actor que quieres buscar.", nil)
		return err
	case "title":
		_ = req.Answer(ctx, "")
		return b.askTitle(ctx, req)
	case "genre":
		id, err := parseID(arg)
		if err != nil {
			return err
		}
		_ = req.Answer(ctx, "Buscando…")
		return b.showGenre(ctx, req, id)
	case "pick":
		id, err := parseID(arg)
		if err != nil {
			return err
		}
		return b.pick(ctx, req, id)
	default:
		return errs.Invariantf("búsqueda inválida")
	}
}

func (b *Bot) genreButtons() [][]kit.Button {
	var rows [][]kit.Button
	var row []kit.Button
	for _, g := range b.d.Finder.Genres() {
		row = append(row, kit.Button{Text: g.Name, Data: "search:genre:" + strconv.FormatInt(g.ID, 10)})
		if len(row) == genresPerRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return rows
}

func (b *Bot) showGenre(ctx context.Context, req *router.Request, genreID int64) error {
	movies, err := b.d.Finder.ByGenre(ctx, genreID)
	if err != nil {
		return err
	}
	if len(movies) == 0 {
		_, err := req.Reply(ctx, "No se encontraron películas para este género.", nil)
		return err
	}
	return b.replyFound(ctx, req, "🎭 <b>Películas populares de este género:</b>", movies)
}

func (b *Bot) showActor(ctx context.Context, req *router.Request, name string) error {
	movies, err := b.d.Finder.ByActor(ctx, name)
	if err != nil && !errs.IsNotFound(err) {
		return err
	}
	if len(movies) == 0 {
		_, err := req.Reply(ctx, fmt.Sprintf("No se encontraron películas para el actor «%s».", html.EscapeString(name)), htmlOpts)
		return err
	}
	return b.replyFound(ctx, req, fmt.Sprintf("🧑‍🎤 <b>Las películas más populares de %s:</b>", html.EscapeString(name)), movies)
}

// replyFound lists upstream movies with one button each. Operators get a
// publish button for cataloged titles; everyone else can ask for the title.
func (b *Bot) replyFound(ctx context.Context, req *router.Request, head string, movies []catalog.Detail) error {
	lines := []string{head, ""}
	rows := make([][]kit.Button, 0, len(movies))
	for _, m := range movies {
		lines = append(lines, recommendLine(m))
		btn := kit.Button{Text: "🎬 Pedir " + m.Title, Data: "search:pick:" + strconv.FormatInt(m.ExternalID, 10)}
		if req.Owner {
			if _, err := b.d.Catalog.Get(ctx, m.ExternalID); err == nil {
				btn = kit.Button{Text: "📌 Publicar " + m.Title, Data: "publish:" + strconv.FormatInt(m.ExternalID, 10)}
			}
		}
		rows = append(rows, []kit.Button{btn})
	}
	_, err := req.Reply(ctx, strings.Join(lines, "\n"), htmlWith(rows))
	return err
}

// pick submits a title chosen from a listing as a viewer request.
func (b *Bot) pick(ctx context.Context, req *router.Request, id int64) error {
	d, err := b.d.Finder.Resolve(ctx, id)
	if err != nil {
		if errs.IsNotFound(err) || errs.IsTransient(err) {
			return req.Answer(ctx, "No se pudo obtener la información de la película.")
		}
		return err
	}
	c := catalog.Candidate{ExternalID: id, Title: d.Title, Year: d.Year, Source: "tmdb"}
	r := requests.Request{UserID: req.FromID}
	if cb := req.Callback(); cb != nil {
		r.Username = cb.FromUsername
	}
	res, err := b.d.Requests.SubmitPick(ctx, r, c)
	if err != nil {
		return err
	}
	_ = req.Answer(ctx, "Solicitud recibida")
	_, err = req.Reply(ctx, requestReply(res), htmlOpts)
	return err
}
