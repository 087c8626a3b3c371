package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/victorivanov/retrosync/internal/coordinator"
	"github.com/victorivanov/retrosync/internal/loopback"
	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/session"
	"github.com/victorivanov/retrosync/internal/subscription"
)

const demoConversation = "1"

func init() {
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk through duplicate, late and failed deliveries against an in-memory server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		return runDemo(ctx, os.Stdout)
	},
}

type demo struct {
	backend *loopback.Backend
	sess    *session.Session
	bob     *loopback.API
	w       io.Writer
}

// runDemo drives a session through the delivery anomalies the engine
// reconciles and prints the transcript after each step.
func runDemo(ctx context.Context, w io.Writer) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := loopback.New("retrosync-demo", loopback.WithLogger(logger))

	me, token, err := backend.AddUser("me", "Me")
	if err != nil {
		return err
	}
	bob, _, err := backend.AddUser("bob", "Bob")
	if err != nil {
		return err
	}

	d := &demo{
		backend: backend,
		bob:     backend.As(bob.ID),
		w:       w,
		sess: session.New(backend.As(me.ID), func() subscription.Channel { return backend.Dial() }, session.Config{
			Self: me,
			Subscription: subscription.Config{
				Token:          token,
				InitialBackoff: 10 * time.Millisecond,
				MaxBackoff:     100 * time.Millisecond,
				MaxAttempts:    20,
				Logger:         logger,
			},
			Logger: logger,
		}),
	}
	defer d.sess.Close()

	welcome, err := d.bob.SendMessage(ctx, demoConversation, models.SendRequest{Content: "welcome aboard"})
	if err != nil {
		return err
	}

	go func() { _ = d.sess.Run(ctx) }()
	if err := d.sess.Open(ctx, demoConversation); err != nil {
		return err
	}
	if err := d.waitFor(ctx, func() bool { return d.sess.Status().State == subscription.StateSubscribed }); err != nil {
		return err
	}
	d.show("loaded the conversation")

	// Every broadcast arrives twice; the reply still shows once.
	backend.SetDelivery(loopback.Delivery{Duplicate: true})
	reply, err := d.sess.Send(ctx, coordinator.SendInput{Content: "thanks!", ReplyToID: welcome.ID})
	if err != nil {
		return err
	}
	if err := d.waitFor(ctx, func() bool { return d.count() == 2 }); err != nil {
		return err
	}
	d.show("duplicate broadcast of our reply")

	// The response lands before the broadcast.
	backend.SetDelivery(loopback.Delivery{Hold: true})
	if _, err := d.sess.Send(ctx, coordinator.SendInput{Content: "is the build green?"}); err != nil {
		return err
	}
	d.show("response confirmed the send, broadcast still held")
	backend.SetDelivery(loopback.Delivery{})
	fmt.Fprintf(d.w, "\nreleasing %d held broadcast(s)\n", backend.Flush())
	d.show("late broadcast merged")

	// A failed send stays visible until it is retried.
	backend.FailWith(func(op, _ string) error {
		if op == "send" {
			return errors.New("server unavailable")
		}
		return nil
	})
	_, err = d.sess.Send(ctx, coordinator.SendInput{Content: "one more thing"})
	var opErr *coordinator.OpError
	if !errors.As(err, &opErr) {
		return fmt.Errorf("expected the send to fail, got %v", err)
	}
	d.show("send failed")
	backend.FailWith(nil)
	if _, err := d.sess.Retry(ctx, opErr.MessageID); err != nil {
		return err
	}
	d.show("retry succeeded")

	// Reactions and stars from both sides aggregate into one view.
	if _, err := d.bob.ToggleReaction(ctx, demoConversation, reply.ID, "👍"); err != nil {
		return err
	}
	if err := d.sess.ToggleReaction(ctx, reply.ID, "👍"); err != nil {
		return err
	}
	if _, err := d.sess.ToggleStar(ctx, welcome.ID); err != nil {
		return err
	}
	if err := d.waitFor(ctx, func() bool { return d.reactions(reply.ID) == 2 }); err != nil {
		return err
	}
	d.show("reactions and a star")

	// Deleting the parent leaves the reply pointing at nothing.
	if err := d.bob.DeleteMessage(ctx, demoConversation, welcome.ID); err != nil {
		return err
	}
	if err := d.waitFor(ctx, func() bool { return d.count() == 3 }); err != nil {
		return err
	}
	d.show("original message deleted")
	return nil
}

func (d *demo) show(step string) {
	views := d.sess.Snapshot()
	fmt.Fprintf(d.w, "\n== %s (%s)\n", step, summary(demoConversation, d.sess.Status().State, len(views)))
	_ = renderViews(d.w, views, time.Now())
}

func (d *demo) count() int {
	return len(d.sess.Snapshot())
}

func (d *demo) reactions(id string) int {
	for _, v := range d.sess.Snapshot() {
		if v.ID != id {
			continue
		}
		n := 0
		for _, g := range v.Groups {
			n += g.Count
		}
		return n
	}
	return 0
}

func (d *demo) waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("demo stalled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
