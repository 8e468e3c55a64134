package fetch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"partsguide-ingest/internal/backoff"
)

// BrowserAdapter drives an external browser-automation command for pages
// that need real rendering. The command is treated as a black box: it gets
// the target URL as its final argument and must print the page HTML on
// stdout. Exit code 75 (EX_TEMPFAIL) signals upstream rate limiting.
type BrowserAdapter struct {
	command []string
	timeout time.Duration
	exec    backoff.Executor
}

const browserRateLimitExit = 75

type BrowserAdapterOptions struct {
	// Command is the automation binary plus fixed arguments, e.g.
	// ["chromium", "--headless", "--dump-dom"].
	Command []string
	Timeout time.Duration
	Backoff backoff.Executor
}

func NewBrowserAdapter(opts BrowserAdapterOptions) (*BrowserAdapter, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("browser command is required")
	}
	to := opts.Timeout
	if to <= 0 {
		to = 60 * time.Second
	}
	return &BrowserAdapter{command: opts.Command, timeout: to, exec: opts.Backoff}, nil
}

func (a *BrowserAdapter) Fetch(ctx context.Context, target string) (Result, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Result{Status: StatusSkipped, Data: ""}, nil
	}
	html, err := backoff.Do(ctx, a.exec, func(ctx context.Context) (string, error) {
		return a.runOnce(ctx, target)
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusOK, Data: html}, nil
}

func (a *BrowserAdapter) runOnce(ctx context.Context, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	args := append(append([]string{}, a.command[1:]...), target)
	cmd := exec.CommandContext(ctx, a.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == browserRateLimitExit {
			return "", fmt.Errorf("browser %s: %w", target, backoff.ErrRateLimited)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("browser %s: %s", target, msg)
	}
	return stdout.String(), nil
}

var _ Adapter = (*BrowserAdapter)(nil)

// rateLimitMarker makes the mock adapters refuse, the same way a live 429
// would, so retry paths can be exercised offline.
const rateLimitMarker = "rate_limit"

// MockAdapter synthesizes payloads without touching the network. It stands
// in for either source: Prefix is "http" or "ui" and shows up in the data so
// merged rows reveal which source produced them. Targets containing the
// marker rate-limit on every attempt, so the backoff path exhausts the same
// way a persistently throttling upstream would.
type MockAdapter struct {
	Prefix  string
	Delay   time.Duration
	Backoff backoff.Executor
}

func (m *MockAdapter) Fetch(ctx context.Context, target string) (Result, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Result{Status: StatusSkipped, Data: ""}, nil
	}
	return backoff.Do(ctx, m.Backoff, func(ctx context.Context) (Result, error) {
		return m.lookup(ctx, target)
	})
}

func (m *MockAdapter) lookup(ctx context.Context, target string) (Result, error) {
	if strings.Contains(strings.ToLower(target), rateLimitMarker) {
		return Result{}, fmt.Errorf("mock %s: %w", target, backoff.ErrRateLimited)
	}
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	return Result{Status: StatusOK, Data: m.Prefix + ":" + target}, nil
}

var _ Adapter = (*MockAdapter)(nil)
