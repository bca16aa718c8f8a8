package commands

import (
	"strings"
	"unicode"

	"remindbot/internal/transport"
)

// helpText renders plain-text help, so it reads the same on every platform.
func (m *Router) helpText(path []string, owner bool) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	cur := root
	for _, p := range path {
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[strings.ToLower(p)]; ok && cur == root {
				cur = leaf
				break
			}
			return "❓ Unknown command. Try /help for the list."
		}
		cur = n
	}

	var b strings.Builder
	if len(path) == 0 {
		b.WriteString("📚 Commands (prefix / or !)\n")
	} else {
		b.WriteString("📚 Help: /" + strings.Join(path, " ") + "\n")
	}
	for _, c := range cur.commands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		b.WriteString("\n• ")
		if u := strings.TrimSpace(c.Usage); u != "" {
			b.WriteString("/" + u)
		} else {
			b.WriteString("/" + c.Route)
		}
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString("\n  " + d)
		}
		if len(c.Aliases) > 0 {
			b.WriteString("\n  aliases: " + strings.Join(c.Aliases, ", "))
		}
	}
	if len(path) == 0 {
		b.WriteString("\n\nTimes use the 12-hour clock, e.g. 9:30 AM. Set your timezone first with /timezone Area/City.")
	}
	return b.String()
}

// menuCommands builds the platform command menu: one entry per root word.
func menuCommands(root *cmdNode) []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(root.children))
	for _, name := range root.childNames() {
		n := root.children[name]
		cmdName := sanitizeMenuName(name)
		if cmdName == "" {
			continue
		}
		desc := ""
		if n.cmd != nil {
			if n.cmd.Access == AccessOwnerOnly {
				continue
			}
			desc = n.cmd.Description
		} else {
			subs := n.childNames()
			desc = name + " " + strings.Join(subs, "|")
		}
		if desc == "" {
			desc = name
		}
		out = append(out, transport.BotCommand{Command: cmdName, Description: truncateRunes(desc, 256)})
	}
	return out
}

// sanitizeMenuName converts a route word into a Telegram-safe bot command
// name. Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeMenuName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-' || unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
