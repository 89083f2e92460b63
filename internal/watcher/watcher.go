// ABOUTME: Runs OS watcher child processes and turns their stdout lines into relay broadcasts.
// ABOUTME: Watchers are restarted after they exit until the context is cancelled.

package watcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/2389/tab-relay/internal/address"
	"github.com/2389/tab-relay/internal/agent"
	"github.com/2389/tab-relay/internal/config"
	"github.com/2389/tab-relay/internal/events"
)

// Publisher is where watcher events go; *agent.Registry satisfies it.
type Publisher interface {
	Broadcast(ctx context.Context, msg agent.Message) (int, error)
}

// Watcher supervises one child process.
type Watcher struct {
	cfg     config.WatcherConfig
	allowed []string
	pub     Publisher
	now     func() time.Time
	logger  *slog.Logger
}

// New validates cfg and creates a Watcher.
func New(cfg config.WatcherConfig, pub Publisher, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("watcher %q: command is required", cfg.Name)
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}

	w := &Watcher{
		cfg:    cfg,
		pub:    pub,
		now:    time.Now,
		logger: logger.With("component", "watcher", "watcher", cfg.Name),
	}

	switch cfg.Mode {
	case config.WatcherModeKeys, "":
		w.cfg.Mode = config.WatcherModeKeys
		if len(cfg.Events) == 0 {
			for _, n := range slices.Concat(events.MediaKeys(), events.ModifierKeys()) {
				w.allowed = append(w.allowed, n.String())
			}
		} else {
			for _, n := range cfg.Events {
				if n == "" || events.IsRelayOnly(n) {
					return nil, fmt.Errorf("watcher %q: event %q cannot be emitted by a watcher", cfg.Name, n)
				}
			}
			w.allowed = slices.Clone(cfg.Events)
		}
	case config.WatcherModeMatch:
		if cfg.Match == "" || cfg.Event == "" {
			return nil, fmt.Errorf("watcher %q: match mode requires match and event", cfg.Name)
		}
		if events.IsRelayOnly(cfg.Event) {
			return nil, fmt.Errorf("watcher %q: event %q cannot be emitted by a watcher", cfg.Name, cfg.Event)
		}
	default:
		return nil, fmt.Errorf("watcher %q: unknown mode %q", cfg.Name, cfg.Mode)
	}
	return w, nil
}

// Name returns the configured watcher name.
func (w *Watcher) Name() string { return w.cfg.Name }

// ParseKeyLine parses "#<event> <pressed|released>". The event must be in
// allowed; anything else is rejected.
func ParseKeyLine(line string, allowed []string) (event, action string, ok bool) {
	trimmed := strings.TrimSpace(line)
	rest, found := strings.CutPrefix(trimmed, "#")
	if !found {
		return "", "", false
	}

	parts := strings.Split(rest, " ")
	if len(parts) != 2 {
		return "", "", false
	}
	event, action = parts[0], parts[1]

	if !slices.Contains(allowed, event) {
		return "", "", false
	}
	if action != events.ActionPressed && action != events.ActionReleased {
		return "", "", false
	}
	return event, action, true
}

// HandleLine processes one stdout line and reports whether it produced a broadcast.
func (w *Watcher) HandleLine(ctx context.Context, line string) bool {
	var msg agent.Message

	switch w.cfg.Mode {
	case config.WatcherModeMatch:
		if !strings.Contains(line, w.cfg.Match) {
			return false
		}
		msg = agent.Message{Event: w.cfg.Event, Payload: struct{}{}, Filter: address.All}
	default:
		event, action, ok := ParseKeyLine(line, w.allowed)
		if !ok {
			return false
		}
		msg = agent.Message{
			Event: event,
			Payload: events.KeyPayload{
				Action:    action,
				Timestamp: w.now().UTC().Format(time.RFC3339Nano),
			},
			Filter: address.All,
		}
	}

	sent, err := w.pub.Broadcast(ctx, msg)
	if err != nil {
		w.logger.Warn("broadcast failed", "event", msg.Event, "error", err)
		return false
	}
	w.logger.Info("watcher event forwarded", "event", msg.Event, "delivered", sent)
	return true
}

// Run starts the child process and restarts it RestartDelay after every
// exit. It returns nil once ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Warn("watcher exited", "error", err, "restart_in", w.cfg.RestartDelay.String())
		} else {
			w.logger.Info("watcher exited", "restart_in", w.cfg.RestartDelay.String())
		}

		timer := time.NewTimer(w.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (w *Watcher) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, w.cfg.Command[0], w.cfg.Command[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	w.logger.Info("launching watcher", "command", strings.Join(w.cfg.Command, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", w.cfg.Command[0], err)
	}

	// Grandchildren can hold the pipes open after the child is killed.
	stop := context.AfterFunc(ctx, func() {
		stdout.Close()
		stderr.Close()
	})
	defer stop()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		w.scanStderr(stderr)
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		w.HandleLine(ctx, scanner.Text())
	}
	scanErr := scanner.Err()

	<-stderrDone
	waitErr := cmd.Wait()

	if scanErr != nil && ctx.Err() == nil {
		return fmt.Errorf("reading stdout: %w", scanErr)
	}
	return waitErr
}

// scanStderr logs stderr lines that look like errors or warnings.
func (w *Watcher) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "Error") || strings.Contains(line, "Warning") {
			w.logger.Warn("watcher stderr", "line", line)
		}
	}
}
