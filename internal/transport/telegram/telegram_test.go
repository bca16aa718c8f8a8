package telegram

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"remindbot/internal/transport"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText short = %q", got)
	}

	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("splitText newline = %q", got)
	}

	long := strings.Repeat("x", 25)
	got = splitText(long, 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("splitText hard = %q", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   error
		want error
	}{
		{tele.ErrChatNotFound, transport.ErrChatNotFound},
		{tele.ErrKickedFromGroup, transport.ErrChatNotFound},
		{tele.ErrBlockedByUser, transport.ErrUserBlocked},
		{tele.ErrNotStartedByUser, transport.ErrUserBlocked},
	}
	for _, tt := range tests {
		if got := classify(tt.in); !errors.Is(got, tt.want) {
			t.Fatalf("classify(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
	other := errors.New("timeout")
	if got := classify(other); got != other {
		t.Fatalf("classify(other) = %v, want passthrough", got)
	}
	if classify(nil) != nil {
		t.Fatalf("classify(nil) != nil")
	}
}
