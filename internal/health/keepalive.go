package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stellarlinkco/milabot/internal/cron"
	"github.com/stellarlinkco/milabot/internal/httpkit"
)

// KeepAliveJob is the cron entry name used by KeepAlive.Register.
const KeepAliveJob = "keepalive"

const keepAliveTimeout = 15 * time.Second

// KeepAlive GETs a list of URLs so the hosting platform does not idle the
// process out.
type KeepAlive struct {
	urls     []string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewKeepAlive creates a pinger. A nil client gets the httpkit defaults.
func NewKeepAlive(urls []string, interval time.Duration, client *http.Client, logger *slog.Logger) *KeepAlive {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithTimeout(keepAliveTimeout))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeepAlive{
		urls:     urls,
		interval: interval,
		client:   client,
		logger:   logger.With("component", "health"),
	}
}

// Register schedules PingAll on s. It does nothing when no URL is set.
func (k *KeepAlive) Register(s *cron.Service) error {
	if len(k.urls) == 0 {
		return nil
	}
	return s.Every(KeepAliveJob, k.interval, false, func(ctx context.Context) {
		k.PingAll(ctx)
	})
}

// PingAll hits every URL once and returns how many answered with a 2xx.
func (k *KeepAlive) PingAll(ctx context.Context) int {
	ok := 0
	for _, u := range k.urls {
		if ctx.Err() != nil {
			break
		}
		if err := k.ping(ctx, u); err != nil {
			k.logger.Warn("keep-alive ping failed", "url", u, "error", err)
			continue
		}
		ok++
	}
	k.logger.Debug("keep-alive done", "ok", ok, "total", len(k.urls))
	return ok
}

func (k *KeepAlive) ping(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
