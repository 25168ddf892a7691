package bot

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	"cinebot/internal/task/scheduler"
	kit "cinebot/internal/transport"
)

var htmlOpts = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

func htmlWith(buttons [][]kit.Button) *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Buttons: buttons}
}

func itemTitle(it catalog.Item) string {
	if it.Title != "" {
		return it.Title
	}
	if len(it.AlternateNames) > 0 {
		return it.AlternateNames[0]
	}
	return "Título desconocido"
}

func itemLine(it catalog.Item) string {
	state := "🆕"
	if it.Published() {
		state = "✅"
	}
	year := ""
	if len(it.ReleaseDate) >= 4 {
		year = " (" + it.ReleaseDate[:4] + ")"
	}
	return fmt.Sprintf("%s <code>%d</code> %s%s", state, it.ExternalID, html.EscapeString(itemTitle(it)), year)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, errs.Invariantf("id inválido: %q", s)
	}
	return id, nil
}

// parseDelay accepts Go durations ("30m", "1h30m"), HH:MM ("01:30") or bare minutes ("45").
func parseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return time.Duration(n) * time.Minute, nil
	}
	ps, err := scheduler.ParseSchedule("interval:" + s)
	if err != nil {
		return 0, errs.Invariantf("retraso inválido %q (usa 30m, 1h o 01:30)", s)
	}
	return ps.Every, nil
}

// formatDuration renders d as "1 h 30 min" for operator messages.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%d h %d min", h, m)
	case h > 0:
		return fmt.Sprintf("%d h", h)
	default:
		return fmt.Sprintf("%d min", m)
	}
}

// delayToken is the compact form parseDelay reads back ("30m", "6h").
func delayToken(d time.Duration) string {
	if d%time.Hour == 0 {
		return strconv.Itoa(int(d/time.Hour)) + "h"
	}
	return strconv.Itoa(int(d.Round(time.Minute)/time.Minute)) + "m"
}

func count(n int) string { return humanize.Comma(int64(n)) }
