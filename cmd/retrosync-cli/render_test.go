package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/subscription"
)

// ---------------------------------------------------------------------------
// renderViews
// ---------------------------------------------------------------------------

func TestRenderViews_Message(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	views := []models.View{{
		Message: models.Message{
			ID:        "42",
			Author:    models.Author{ID: "7", Username: "bob", DisplayName: "Bob"},
			Content:   "first line\nsecond line",
			CreatedAt: now.Add(-2 * time.Minute),
			Lifecycle: models.LifecycleConfirmed,
			Attachments: []models.Attachment{
				{Kind: models.AttachmentImage, URL: "https://cdn.example/p.png", Name: "p.png", Size: 2048},
			},
		},
		Groups:  []models.ReactionGroup{{Emoji: "👍", Count: 1234, Me: true}},
		Starred: true,
		Reply:   &models.ReplyView{ID: "41", AuthorName: "Alice", Preview: "hello"},
	}}

	var buf bytes.Buffer
	if err := renderViews(&buf, views, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"[42] Bob, 2 minutes ago *\n",
		"  > Alice: hello\n",
		"  first line\n  second line\n",
		"  + image p.png (2.0 kB)\n",
		"  👍 1,234 (you)\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "confirmed") {
		t.Fatalf("confirmed lifecycle should not be shown:\n%s", out)
	}
}

func TestRenderViews_FailedAndUnavailable(t *testing.T) {
	now := time.Now()
	views := []models.View{{
		Message: models.Message{
			ID:        "tmp-1",
			Author:    models.Author{ID: "9"},
			Content:   "retry me",
			Lifecycle: models.LifecycleFailed,
		},
		Reply:     &models.ReplyView{ID: "3", Unavailable: true},
		SendError: "server unavailable",
	}}

	var buf bytes.Buffer
	if err := renderViews(&buf, views, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"[tmp-1] 9 (failed)\n",
		"  > original message unavailable\n",
		"  ! send failed: server unavailable\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSummary(t *testing.T) {
	if got := summary("5", subscription.StateSubscribed, 1); got != "conversation 5, 1 message, subscribed" {
		t.Fatalf("unexpected summary %q", got)
	}
	if got := summary("5", subscription.StateDegraded, 1500); got != "conversation 5, 1,500 messages, degraded" {
		t.Fatalf("unexpected summary %q", got)
	}
}

// ---------------------------------------------------------------------------
// demo
// ---------------------------------------------------------------------------

func TestRunDemo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var buf bytes.Buffer
	if err := runDemo(ctx, &buf); err != nil {
		t.Fatalf("demo failed: %v\n%s", err, buf.String())
	}
	out := buf.String()

	for _, want := range []string{
		"releasing 1 held broadcast(s)",
		"! send failed: server unavailable",
		"👍 2 (you)",
		"> original message unavailable",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	final := out[strings.LastIndex(out, "== original message deleted"):]
	if strings.Count(final, "thanks!") != 1 {
		t.Fatalf("reply should appear exactly once:\n%s", final)
	}
	if strings.Contains(final, "welcome aboard") {
		t.Fatalf("deleted message still shown:\n%s", final)
	}
}
