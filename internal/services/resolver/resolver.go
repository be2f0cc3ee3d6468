package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/services/command"
)

type ErrorKind string

const (
	KindExtractionFailed ErrorKind = "extraction_failed"
	KindNoStreamFound    ErrorKind = "no_stream_found"
	KindTimeout          ErrorKind = "timeout"
)

// ResolutionError is returned when no media URL could be obtained for a source.
type ResolutionError struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve %s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("resolve %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

type Config struct {
	Binary  string
	Timeout time.Duration
}

// Resolver turns a public video page URL into a direct, time-limited media URL.
type Resolver struct {
	cfg    Config
	runner command.Runner
	logger *zap.Logger
}

func New(cfg Config, runner command.Runner, logger *zap.Logger) *Resolver {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Resolver{cfg: cfg, runner: runner, logger: logger}
}

// Resolve makes exactly one extraction attempt. It touches no persisted state.
func (r *Resolver) Resolve(ctx context.Context, source string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	started := time.Now()
	res, err := r.runner.Run(ctx, r.cfg.Binary, "-g", source)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &ResolutionError{Kind: KindTimeout, Source: source, Err: ctx.Err()}
		}
		stderr := strings.TrimSpace(string(res.Stderr))
		if stderr != "" {
			err = fmt.Errorf("%w: %s", err, stderr)
		}
		return "", &ResolutionError{Kind: KindExtractionFailed, Source: source, Err: err}
	}

	lines := lo.Filter(strings.Split(string(res.Stdout), "\n"), func(line string, _ int) bool {
		return strings.TrimSpace(line) != ""
	})
	if len(lines) == 0 {
		return "", &ResolutionError{Kind: KindNoStreamFound, Source: source}
	}

	r.logger.Debug("stream resolved",
		zap.String("source", source),
		zap.Int("candidates", len(lines)),
		zap.Duration("took", time.Since(started)))

	return strings.TrimSpace(lines[0]), nil
}
