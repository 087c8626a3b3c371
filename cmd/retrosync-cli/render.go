package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/subscription"
)

// renderViews writes a plain-text transcript of views. Times are relative to now.
func renderViews(w io.Writer, views []models.View, now time.Time) error {
	var b strings.Builder
	for _, v := range views {
		writeView(&b, v, now)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeView(b *strings.Builder, v models.View, now time.Time) {
	fmt.Fprintf(b, "[%s] %s", v.ID, authorName(v.Author))
	if !v.CreatedAt.IsZero() {
		fmt.Fprintf(b, ", %s", humanize.RelTime(v.CreatedAt, now, "ago", "from now"))
	}
	if v.Lifecycle != "" && v.Lifecycle != models.LifecycleConfirmed {
		fmt.Fprintf(b, " (%s)", v.Lifecycle)
	}
	if v.Starred {
		b.WriteString(" *")
	}
	b.WriteByte('\n')

	if r := v.Reply; r != nil {
		if r.Unavailable {
			b.WriteString("  > original message unavailable\n")
		} else {
			fmt.Fprintf(b, "  > %s: %s\n", r.AuthorName, r.Preview)
		}
	}
	for _, line := range strings.Split(v.Content, "\n") {
		if line != "" {
			fmt.Fprintf(b, "  %s\n", line)
		}
	}
	for _, a := range v.Attachments {
		fmt.Fprintf(b, "  + %s %s", a.Kind, attachmentName(a))
		if a.Size > 0 {
			fmt.Fprintf(b, " (%s)", humanize.Bytes(uint64(a.Size)))
		}
		b.WriteByte('\n')
	}
	if len(v.Groups) > 0 {
		parts := make([]string, 0, len(v.Groups))
		for _, g := range v.Groups {
			p := fmt.Sprintf("%s %s", g.Emoji, humanize.Comma(int64(g.Count)))
			if g.Me {
				p += " (you)"
			}
			parts = append(parts, p)
		}
		fmt.Fprintf(b, "  %s\n", strings.Join(parts, "  "))
	}
	for _, e := range []struct{ label, msg string }{
		{"send failed", v.SendError},
		{"star failed", v.StarError},
		{"reaction failed", v.ReactionError},
	} {
		if e.msg != "" {
			fmt.Fprintf(b, "  ! %s: %s\n", e.label, e.msg)
		}
	}
}

func authorName(a models.Author) string {
	if n := a.Name(); n != "" {
		return n
	}
	return a.ID
}

func attachmentName(a models.Attachment) string {
	if a.Name != "" {
		return a.Name
	}
	return a.URL
}

// summary is the one-line header printed above a transcript.
func summary(conversationID string, st subscription.State, n int) string {
	noun := "messages"
	if n == 1 {
		noun = "message"
	}
	return fmt.Sprintf("conversation %s, %s %s, %s", conversationID, humanize.Comma(int64(n)), noun, st)
}
