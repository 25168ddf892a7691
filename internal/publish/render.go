package publish

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"cinebot/internal/catalog"
	kit "cinebot/internal/transport"
)

const (
	defaultSynopsisBudget = 600
	noSynopsis            = "Sinopsis no disponible."
	noDate                = "Fecha no disponible"
)

// Render builds the channel post for an item from its display fields.
func Render(it catalog.Item, link string, cfg Config) kit.Post {
	title := it.Title
	if title == "" && len(it.AlternateNames) > 0 {
		title = it.AlternateNames[0]
	}
	synopsis := truncateRunes(strings.TrimSpace(it.Synopsis), cfg.synopsisBudget())
	if synopsis == "" {
		synopsis = noSynopsis
	}
	date := it.ReleaseDate
	if date == "" {
		date = noDate
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>🎬 %s</b>\n\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<i>Sinopsis:</i> %s\n\n", html.EscapeString(synopsis))
	fmt.Fprintf(&b, "📅 <b>Fecha de estreno:</b> %s\n", html.EscapeString(date))
	fmt.Fprintf(&b, "⭐ <b>Puntuación:</b> %.1f/10", it.Score)

	return kit.Post{
		Text:      b.String(),
		PhotoURL:  it.PosterURL,
		Buttons:   postButtons(link, cfg.RequestURL()),
		ParseMode: "HTML",
	}
}

func postButtons(link, requestURL string) [][]kit.Button {
	var rows [][]kit.Button
	if link != "" {
		rows = append(rows, []kit.Button{{Text: "🎬 Ver ahora", URL: link}})
		if requestURL != "" {
			rows = append(rows, []kit.Button{{Text: "📽️ Pedir otra película", URL: requestURL}})
		}
		return rows
	}
	if requestURL != "" {
		rows = append(rows, []kit.Button{{Text: "🎬 ¿Quieres pedir una película? Pídela aquí 👇", URL: requestURL}})
	}
	return rows
}

// renderMirror is the link-only announcement sent to the mirror surface.
func renderMirror(it catalog.Item, postURL string) kit.Post {
	p := kit.Post{
		Text:           fmt.Sprintf("🎬 <b>%s</b> ya está disponible en el canal.", html.EscapeString(it.Title)),
		ParseMode:      "HTML",
		DisablePreview: true,
	}
	if postURL != "" {
		p.Buttons = [][]kit.Button{{{Text: "👉 Ver publicación", URL: postURL}}}
	}
	return p
}

func renderNotify(it catalog.Item, postURL string) string {
	msg := fmt.Sprintf("✅ ¡Buenas noticias! La película que solicitaste, <b>%s</b>, ya fue publicada en el canal.",
		html.EscapeString(it.Title))
	if postURL != "" {
		msg += fmt.Sprintf(" <a href=\"%s\">Haz clic aquí para verla.</a>", html.EscapeString(postURL))
	}
	return msg
}

// PostURL builds a t.me link to a post. base is the public channel URL; when
// empty the private /c/ form is derived from the chat id.
func PostURL(base string, ref kit.PostRef) string {
	if ref.MessageID == 0 {
		return ""
	}
	if base = strings.TrimRight(base, "/"); base != "" {
		return base + "/" + strconv.Itoa(ref.MessageID)
	}
	id := strconv.FormatInt(ref.ChatID, 10)
	if !strings.HasPrefix(id, "-100") {
		return ""
	}
	return "https://t.me/c/" + strings.TrimPrefix(id, "-100") + "/" + strconv.Itoa(ref.MessageID)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return strings.TrimSpace(string(rs[:n-1])) + "…"
}
