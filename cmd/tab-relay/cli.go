// ABOUTME: Operator subcommands that talk to a running relay over HTTP or through Redis
// ABOUTME: health, tabs, connections, broadcast, and publish

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/tab-relay/internal/address"
	"github.com/2389/tab-relay/internal/config"
	"github.com/2389/tab-relay/internal/correlate"
	"github.com/2389/tab-relay/internal/gateway"
	"github.com/2389/tab-relay/internal/pubsub"
)

// baseURL returns the relay's HTTP base URL. TAB_RELAY_URL wins over config.
func baseURL(cfg *config.Config) string {
	if u := os.Getenv("TAB_RELAY_URL"); u != "" {
		return strings.TrimSuffix(u, "/")
	}
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

// call performs one request against the relay and decodes a JSON response into out.
func call(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		color.Green("healthy: %s", body)
	case http.StatusServiceUnavailable:
		color.Yellow("healthy: %s", body)
	default:
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func runTabs(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var result correlate.TabsResult
	if err := call(ctx, http.MethodGet, baseURL(cfg)+"/allTabs", nil, &result); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	for _, a := range result.Agents {
		cyan.Printf("%s ", a.Identity)
		gray.Printf("(%d tabs)\n", len(a.Tabs))
		for _, tab := range a.Tabs {
			var t struct {
				ID    any    `json:"id"`
				Title string `json:"title"`
				URL   string `json:"url"`
			}
			if json.Unmarshal(tab, &t) != nil || (t.Title == "" && t.URL == "") {
				fmt.Printf("  %s\n", tab)
				continue
			}
			fmt.Printf("  %v\t%s ", t.ID, t.Title)
			gray.Println(t.URL)
		}
	}
	fmt.Printf("\n%d tabs from %d agents\n", len(result.Tabs), len(result.Agents))
	return nil
}

func runConnections(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("connections", flag.ContinueOnError)
	history := fs.Bool("history", false, "show recorded sessions instead of live connections")
	limit := fs.Int("limit", 20, "number of sessions to show with --history")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if *history {
		var out gateway.HistoryResponse
		if err := call(ctx, http.MethodGet, fmt.Sprintf("%s/api/connections/history?limit=%d", baseURL(cfg), *limit), nil, &out); err != nil {
			return err
		}
		fmt.Fprintln(tw, "IDENTITY\tCONNECTED\tDURATION\tTARGETS\tCLOSE REASON")
		for _, s := range out.Sessions {
			reason := s.CloseReason
			if s.DisconnectedAt == "" {
				reason = color.GreenString("connected")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Identity, s.ConnectedAt, s.Duration, strings.Join(s.Targets, ","), reason)
		}
		return nil
	}

	var out gateway.ListConnectionsResponse
	if err := call(ctx, http.MethodGet, baseURL(cfg)+"/api/connections", nil, &out); err != nil {
		return err
	}
	fmt.Fprintln(tw, "IDENTITY\tPLATFORM\tTARGETS\tREMOTE\tCONNECTED")
	for _, c := range out.Connections {
		identity := c.Identity
		if c.Degraded {
			identity = color.YellowString(identity)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", identity, c.Platform, strings.Join(c.Targets, ","), c.RemoteAddr, c.ConnectedAt)
	}
	fmt.Fprintf(tw, "\n%d connected\n", out.Count)
	return nil
}

// eventFlags are shared by broadcast and publish.
type eventFlags struct {
	include string
	exclude string
	delay   time.Duration
}

func parseEventArgs(name string, args []string) (event string, payload json.RawMessage, f eventFlags, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.include, "include", "", "comma separated targets to address")
	fs.StringVar(&f.exclude, "exclude", "", "comma separated targets to skip")
	fs.DurationVar(&f.delay, "delay", 0, "delay delivery on the relay")
	if err = fs.Parse(args); err != nil {
		return
	}

	rest := fs.Args()
	if len(rest) == 0 || len(rest) > 2 {
		err = fmt.Errorf("usage: tab-relay %s [--include a,b | --exclude a,b] [--delay 1s] EVENT [JSON_PAYLOAD]", name)
		return
	}
	event = rest[0]
	if len(rest) == 2 {
		if !json.Valid([]byte(rest[1])) {
			err = fmt.Errorf("payload is not valid JSON: %s", rest[1])
			return
		}
		payload = json.RawMessage(rest[1])
	}
	if _, err = address.New(targetList(f.include), targetList(f.exclude)); err != nil {
		return
	}
	return
}

func targetList(s string) address.Targets {
	if s == "" {
		return nil
	}
	return address.Targets(strings.Split(s, ","))
}

func runBroadcast(ctx context.Context, args []string) error {
	event, payload, f, err := parseEventArgs("broadcast", args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var out gateway.BroadcastResponse
	err = call(ctx, http.MethodPost, baseURL(cfg)+"/broadcast", gateway.BroadcastRequest{
		Event:   event,
		Payload: payload,
		Include: targetList(f.include),
		Exclude: targetList(f.exclude),
		Delay:   f.delay.Milliseconds(),
	}, &out)
	if err != nil {
		return err
	}

	if out.Scheduled {
		color.Cyan("scheduled %s in %s", event, f.delay)
		return nil
	}
	color.Green("delivered %s to %d agents", event, out.Delivered)
	return nil
}

func runPublish(ctx context.Context, args []string) error {
	event, payload, f, err := parseEventArgs("publish", args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	src, err := pubsub.NewSource(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Redis.Channel, nil, nil, nil)
	if err != nil {
		return err
	}
	defer src.Close()

	receivers, err := src.Publish(ctx, pubsub.Message{
		ID:      uuid.New().String(),
		Event:   event,
		Payload: payload,
		Include: targetList(f.include),
		Exclude: targetList(f.exclude),
		DelayMS: f.delay.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", cfg.Redis.Channel, err)
	}
	if receivers == 0 {
		color.Yellow("published %s to #%s but no relay is subscribed", event, cfg.Redis.Channel)
		return nil
	}
	color.Green("published %s to #%s (%d subscribers)", event, cfg.Redis.Channel, receivers)
	return nil
}
