package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-strength-bot/internal/scheduler"
)

// Pinger keeps a hosted instance awake by requesting its public URL.
type Pinger struct {
	url       string
	interval  time.Duration
	userAgent string
	client    *http.Client
	logger    zerolog.Logger
}

// New constructs a Pinger. An empty url yields a Pinger whose Run returns
// immediately.
func New(url string, interval, timeout time.Duration, userAgent string, logger zerolog.Logger) *Pinger {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Pinger{
		url:       strings.TrimSpace(url),
		interval:  interval,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "keepalive").Logger(),
	}
}

// Enabled reports whether a URL is configured.
func (p *Pinger) Enabled() bool {
	return p.url != ""
}

// Ping issues one GET. Any 2xx or 3xx status counts as alive.
func (p *Pinger) Ping(ctx context.Context, _ time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build keep-alive request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("keep-alive ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("keep-alive ping: status %d", resp.StatusCode)
	}
	p.logger.Debug().Str("url", p.url).Int("status", resp.StatusCode).Msg("keep-alive ping sent")
	return nil
}

// Run pings immediately and then every interval until ctx ends.
func (p *Pinger) Run(ctx context.Context) error {
	if !p.Enabled() {
		p.logger.Info().Msg("keep-alive url not set; pinger disabled")
		return nil
	}
	sched, err := scheduler.New(scheduler.Options{Name: "keepalive", Interval: p.interval, Immediate: true}, p.logger)
	if err != nil {
		return err
	}
	p.logger.Info().Str("url", p.url).Dur("interval", p.interval).Msg("keep-alive started")
	return sched.Run(ctx, p.Ping)
}
