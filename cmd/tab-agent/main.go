// ABOUTME: Minimal tab agent for manual and E2E testing; connects to the relay over WebSocket.
// ABOUTME: Usage: tab-agent [-endpoint ws://localhost:8080] [-name chrome] [-targets chrome,work]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/tab-relay/internal/address"
	"github.com/2389/tab-relay/internal/agent"
	"github.com/2389/tab-relay/internal/client"
	"github.com/2389/tab-relay/internal/events"
	"github.com/2389/tab-relay/internal/frame"
)

type fakeTab struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

func main() {
	endpoint := flag.String("endpoint", "ws://localhost:8080", "relay WebSocket endpoint")
	name := flag.String("name", "tab-agent", "agent name")
	instanceID := flag.String("id", "", "instance ID (random when empty)")
	targets := flag.String("targets", "", "comma separated targets this agent owns (defaults to the name)")
	tabs := flag.Int("tabs", 3, "number of fake tabs to report for allTabs")
	ping := flag.Duration("ping", client.DefaultPingInterval, "liveness ping interval")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	if *instanceID == "" {
		*instanceID = uuid.New().String()[:8]
	}
	owned := []string{*name}
	if *targets != "" {
		owned = strings.Split(*targets, ",")
	}

	if err := run(*endpoint, agent.Metadata{
		Name:       *name,
		InstanceID: *instanceID,
		Platform:   "tab-agent",
	}, owned, *tabs, *ping, *debug); err != nil {
		log.Fatal(err)
	}
}

func run(endpoint string, meta agent.Metadata, owned []string, tabCount int, ping time.Duration, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	c, err := client.New(client.Options{
		Endpoint:     endpoint,
		Metadata:     meta,
		Dialer:       &client.WebSocketDialer{Logger: logger},
		PingInterval: ping,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tabs := make([]fakeTab, tabCount)
	for i := range tabs {
		tabs[i] = fakeTab{
			ID:     i + 1,
			Title:  fmt.Sprintf("%s tab %d", meta.Name, i+1),
			URL:    fmt.Sprintf("https://example.com/%s/%d", meta.InstanceID, i+1),
			Active: i == 0,
		}
	}

	// Replies echo the request's event and filter.
	reply := func(event, filter string, payload any) {
		if err := c.Send(ctx, event, address.Parse(filter), payload); err != nil {
			logger.Warn("sending reply failed", "event", event, "error", err)
		}
	}

	c.OnStateChange(func(sc client.StateChange) {
		switch sc.To {
		case client.Connected:
			color.Green("connected to %s as %s_%s", c.Endpoint(), meta.Name, meta.InstanceID)
			if err := c.Send(ctx, events.Targets.String(), address.All, events.TargetsPayload{Targets: owned}); err != nil {
				logger.Warn("announcing targets failed", "error", err)
			}
		case client.Disconnected:
			color.Yellow("disconnected (%d): %s", sc.Code, sc.Reason)
		case client.Connecting:
			color.HiBlack("connecting to %s", c.Endpoint())
		}
	})

	c.On(events.AllTabs.String(), func(f *frame.Frame) {
		reply(f.Event, f.Filter, map[string]any{"tabs": tabs})
	})
	c.On(events.IdentifyTab.String(), func(f *frame.Frame) {
		var req struct {
			TabID int `json:"tabId"`
		}
		_ = f.Unmarshal(&req)
		resp := map[string]any{"name": meta.Name, "instanceId": meta.InstanceID, "targets": owned}
		for _, t := range tabs {
			if t.ID == req.TabID {
				resp["tab"] = t
			}
		}
		reply(f.Event, f.Filter, resp)
	})

	logged := []events.Name{events.WokeUp, events.TabCreated, events.TabRemoved, events.TabUpdated, events.TabActivated}
	logged = append(logged, events.MediaKeys()...)
	logged = append(logged, events.ModifierKeys()...)
	for _, name := range logged {
		c.On(name.String(), func(f *frame.Frame) {
			var payload any
			_ = json.Unmarshal(f.Payload, &payload)
			fmt.Fprintf(os.Stderr, "%s %s %v\n", color.CyanString(f.Event), color.HiBlackString("[%s]", f.Filter), payload)
		})
	}

	c.Start(ctx)
	<-ctx.Done()
	c.Close()
	return nil
}
