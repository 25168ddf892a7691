package router

import (
	"strings"
	"unicode"

	kit "cinebot/internal/transport"
)

// sanitizeTelegramCommand maps a name onto Telegram's command alphabet [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = strings.TrimRight(("cmd_" + out)[:min(len(out)+4, 32)], "_")
	}
	return out
}

// buildTelegramMenuCommands lists public commands first, then owner-only ones.
func buildTelegramMenuCommands(cmds []*Command) []kit.BotCommand {
	var public, owner []kit.BotCommand
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" {
			continue
		}
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if r := []rune(desc); len(r) > 256 {
			desc = string(r[:256])
		}
		bc := kit.BotCommand{Command: name, Description: desc}
		if c.Access == AccessOwnerOnly {
			owner = append(owner, bc)
		} else {
			public = append(public, bc)
		}
	}
	out := append(public, owner...)
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}
