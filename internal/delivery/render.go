package delivery

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/transport"
)

// TimeLayout formats reminder times shown to users.
const TimeLayout = "Mon Jan 2 2006, 3:04 PM MST"

// RenderChannel formats the notification posted in the reminder's channel.
func RenderChannel(n Notification, mention string) string {
	var b strings.Builder
	if mention != "" {
		b.WriteString(mention)
		b.WriteString("\n")
	}
	b.WriteString("⏰ Reminder!\n")
	writeBody(&b, n)
	return b.String()
}

// RenderDirect formats the DM fallback. cause is the channel error.
func RenderDirect(n Notification, cause error) string {
	var b strings.Builder
	if n.Restored {
		b.WriteString("⚠️ Reminder could not be delivered to the channel\n")
	} else {
		b.WriteString("⏰ Reminder!\n")
	}
	writeBody(&b, n)
	if errors.Is(cause, transport.ErrChatNotFound) {
		b.WriteString("\nSent here because the original channel is no longer reachable.")
	} else {
		b.WriteString("\nSent here because the original channel could not be reached.")
	}
	return b.String()
}

func writeBody(b *strings.Builder, n Notification) {
	r := n.Reminder
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		msg = reminder.EmptyMessage
	}
	b.WriteString("Message: ")
	b.WriteString(msg)
	if n.Restored {
		loc := n.Location
		if loc == nil {
			loc = time.UTC
		}
		b.WriteString("\nScheduled for: ")
		b.WriteString(time.UnixMilli(r.RemindAt).In(loc).Format(TimeLayout))
	}
	if r.Recurring && r.RepeatMeta != nil {
		b.WriteString("\nRepeats: ")
		b.WriteString(DescribeRepeat(*r.RepeatMeta))
	}
}

// DescribeRepeat renders a recurrence rule for humans, e.g. "every day".
func DescribeRepeat(m reminder.RepeatMeta) string {
	kind := reminder.NormalizeKind(m.Type)
	switch kind {
	case "":
		return "unknown"
	case reminder.KindMonth:
		if m.UserDayOfMonth > 0 {
			return "every month on day " + strconv.Itoa(m.UserDayOfMonth)
		}
		return "every month"
	default:
		return "every " + kind
	}
}
