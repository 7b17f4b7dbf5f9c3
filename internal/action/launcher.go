package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cok/internal/metrics"
)

var ErrRateLimited = errors.New("rule command rate limit exceeded")

// ExecLauncher starts rule commands directly (no shell) and reaps them in the
// background so the capture loop never waits on a command.
type ExecLauncher struct {
	limiter *rate.Limiter
	timeout time.Duration
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewExecLauncher allows perSecond launches with the given burst. perSecond
// <= 0 disables limiting. timeout > 0 kills commands that run longer.
func NewExecLauncher(perSecond float64, burst int, timeout time.Duration, logger *slog.Logger) *ExecLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	l := &ExecLauncher{timeout: timeout, logger: logger}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return l
}

func (l *ExecLauncher) Launch(argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	if l.limiter != nil && !l.limiter.Allow() {
		metrics.RuleLaunches.WithLabelValues("rate_limited").Inc()
		return ErrRateLimited
	}

	ctx := context.Background()
	cancel := func() {}
	if l.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		cancel()
		metrics.RuleLaunches.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	metrics.RuleLaunches.WithLabelValues("started").Inc()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		if err := cmd.Wait(); err != nil {
			l.logger.Warn("Rule command exited with error", "command", argv[0], "pid", cmd.Process.Pid, "error", err)
			return
		}
		l.logger.Debug("Rule command finished", "command", argv[0], "pid", cmd.Process.Pid)
	}()
	return nil
}

// Wait blocks until every launched command has exited.
func (l *ExecLauncher) Wait() {
	l.wg.Wait()
}
