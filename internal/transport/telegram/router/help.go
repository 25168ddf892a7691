package router

import (
	"fmt"
	"html"
	"strings"
)

// helpText renders HTML help. Owner-only commands are listed only for owners.
func (m *CommandManager) helpText(args []string, owner bool) string {
	m.mu.RLock()
	cmds := m.ordered
	byName := m.cmds
	alias := m.alias
	m.mu.RUnlock()

	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(args[0], "/"))
		c, ok := byName[name]
		if !ok {
			c, ok = alias[name]
		}
		if !ok || (c.Access == AccessOwnerOnly && !owner) {
			return "❓ <b>Comando desconocido</b>\nEscribe <code>/help</code> para ver la lista."
		}
		return commandHelp(c)
	}

	lines := []string{"📚 <b>Comandos disponibles</b>", ""}
	var locked []string
	for _, c := range cmds {
		row := "• <code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			row += " - " + html.EscapeString(d)
		}
		if c.Access == AccessOwnerOnly {
			if owner {
				locked = append(locked, "• 🔒"+strings.TrimPrefix(row, "•"))
			}
			continue
		}
		lines = append(lines, row)
	}
	if len(locked) > 0 {
		lines = append(lines, "", "<b>Administración</b>")
		lines = append(lines, locked...)
	}
	return strings.Join(lines, "\n")
}

func commandHelp(c *Command) string {
	lines := []string{fmt.Sprintf("📚 <b>Ayuda</b> <code>/%s</code>", html.EscapeString(c.Name))}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>Solo administradores</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Uso</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		lines = append(lines, "", "<b>Atajos</b>")
		for _, a := range c.Aliases {
			lines = append(lines, "• <code>/"+html.EscapeString(a)+"</code>")
		}
	}
	return strings.Join(lines, "\n")
}
