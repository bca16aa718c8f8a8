package commands

import (
	"strings"

	"github.com/google/uuid"
)

// commandPrefixes are accepted in front of the command word.
var commandPrefixes = []string{"/", "!"}

func newReqID() string {
	// first block of a v4 uuid is plenty for log correlation
	return uuid.NewString()[:8]
}

// trimPrefix strips a command prefix and reports whether text is a command.
func trimPrefix(text string) (string, bool) {
	for _, p := range commandPrefixes {
		if strings.HasPrefix(text, p) && len(text) > len(p) {
			return text[len(p):], true
		}
	}
	return "", false
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
// Examples:
//
//	/remind in 10m "stand up" --id 3f2a
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits raw args into positionals and long flags.
//
// Supported:
//
//	--k=v, --k v, --flag (bool)
//
// Single-dash tokens stay positional so reminder text like "-5 degrees"
// survives.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--") && len(a) > 2 {
			key := strings.TrimPrefix(a, "--")
			if eq := strings.IndexByte(key, '='); eq >= 0 {
				flags[key[:eq]] = key[eq+1:]
				continue
			}
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				flags[key] = args[i+1]
				i++
				continue
			}
			bools[key] = true
			continue
		}
		pos = append(pos, a)
	}
	return pos, flags, bools
}

// takeClock reads a clock time from the front of args. "9:00 PM" arrives
// as two tokens and is joined back.
func takeClock(args []string) (clock string, rest []string, ok bool) {
	if len(args) == 0 {
		return "", nil, false
	}
	if len(args) > 1 {
		if m := strings.ToLower(args[1]); m == "am" || m == "pm" {
			return args[0] + " " + args[1], args[2:], true
		}
	}
	return args[0], args[1:], true
}
