package capture

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/services/command"
)

type ErrorKind string

const (
	KindProcess ErrorKind = "process_error"
	KindIO      ErrorKind = "io_error"
)

// CaptureError is returned when a single frame could not be produced.
type CaptureError struct {
	Kind ErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

type Config struct {
	Binary string
}

// Extractor pulls still frames out of a media URL with ffmpeg.
type Extractor struct {
	cfg    Config
	runner command.Runner
}

func New(cfg Config, runner command.Runner) *Extractor {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	return &Extractor{cfg: cfg, runner: runner}
}

// CaptureOneFrame writes exactly one JPEG frame of mediaURL to outputPath.
// It has no timeout of its own; cancel ctx to bound it.
func (e *Extractor) CaptureOneFrame(ctx context.Context, mediaURL, outputPath string) error {
	res, err := e.runner.Run(ctx, e.cfg.Binary,
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", mediaURL,
		"-frames:v", "1",
		"-q:v", "2", // Качество JPEG
		outputPath,
	)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", err, ctx.Err())
		}
		if stderr := strings.TrimSpace(string(res.Stderr)); stderr != "" {
			err = fmt.Errorf("ffmpeg failed: %w, stderr: %s", err, stderr)
		}
		return &CaptureError{Kind: KindProcess, Err: err}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return &CaptureError{Kind: KindIO, Err: fmt.Errorf("output not produced: %w", err)}
	}
	if info.Size() == 0 {
		return &CaptureError{Kind: KindIO, Err: fmt.Errorf("output %s is empty", outputPath)}
	}

	return nil
}
