package finalize

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"matchstream/internal/platform/logger"
	"matchstream/internal/session"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Job is one encode request.
type Job struct {
	SessionID  session.ID
	ConcatPath string
	OutputPath string
}

// Encoder turns a concat list into one output file at Job.OutputPath.
type Encoder interface {
	Encode(ctx context.Context, job Job) error
}

// ErrEncoderStalled is returned when the encoder stops reporting progress.
var ErrEncoderStalled = errors.New("encoder stalled")

const (
	DefaultEncoderTimeout = 30 * time.Minute
	DefaultStallTimeout   = 2 * time.Minute
	DefaultStartupGrace   = 30 * time.Second
	defaultWatchTick      = 5 * time.Second
	stderrTail            = 1024
)

// FFmpegEncoder re-encodes the chunks to H.264 + AAC with the moov atom up
// front. It writes to a temporary file next to the output and renames it only
// after ffmpeg exits cleanly.
type FFmpegEncoder struct {
	Path         string
	Timeout      time.Duration
	StallTimeout time.Duration
	StartupGrace time.Duration
	Tick         time.Duration
	Clock        clock.Clock
	Log          *slog.Logger
}

// NewFFmpegEncoder returns an encoder running the ffmpeg binary at path.
func NewFFmpegEncoder(path string, timeout time.Duration, log *slog.Logger) *FFmpegEncoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegEncoder{Path: path, Timeout: timeout, Log: log}
}

// BuildArgs returns the ffmpeg arguments that encode concatPath into output.
func BuildArgs(concatPath, output string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", concatPath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	}
}

func (e *FFmpegEncoder) Encode(ctx context.Context, job Job) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultEncoderTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmp := fmt.Sprintf("%s.%s.part", job.OutputPath, uuid.NewString()[:8])
	defer os.Remove(tmp)

	log := logger.OrNop(e.Log).With(slog.String("session_id", string(job.SessionID)))
	log.Info("encoder started", slog.String("output", job.OutputPath))

	stderr, err := e.run(ctx, log, BuildArgs(job.ConcatPath, tmp))
	if err != nil {
		if tail := tailString(stderr, stderrTail); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return fmt.Errorf("stat encoder output: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("encoder output is empty")
	}
	return os.Rename(tmp, job.OutputPath)
}

// Progress is the last block of -progress key=value pairs.
type Progress struct {
	Frame     int64
	OutTimeUs int64
	TotalSize int64
	Speed     string
	Done      bool
}

func (p Progress) advancedFrom(prev Progress) bool {
	return p.OutTimeUs > prev.OutTimeUs || p.TotalSize > prev.TotalSize || p.Frame > prev.Frame || p.Done
}

func (e *FFmpegEncoder) run(ctx context.Context, log *slog.Logger, args []string) (string, error) {
	full := append([]string{"-nostdin", "-progress", "pipe:1"}, args...)
	cmd := exec.CommandContext(ctx, e.Path, full...)
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start ffmpeg: %w", err)
	}

	// Wait closes stdout, so it only runs once the parser has read to EOF.
	progress := make(chan Progress, 16)
	done := make(chan error, 1)
	go func() {
		ParseProgress(stdout, progress)
		close(progress)
		done <- cmd.Wait()
	}()

	last, err := e.watch(ctx, log, done, progress, cmd.Process)
	if err == nil {
		log.Info("encoder finished",
			slog.Int64("frame", last.Frame),
			slog.Int64("out_time_us", last.OutTimeUs),
			slog.Int64("total_size", last.TotalSize))
	}
	return stderr.String(), err
}

// watch waits for the process while killing it when progress stops moving.
// It always returns after the process has been reaped, with the last progress
// block ffmpeg reported.
func (e *FFmpegEncoder) watch(ctx context.Context, log *slog.Logger, done <-chan error, progress <-chan Progress, proc *os.Process) (Progress, error) {
	clk := e.Clock
	if clk == nil {
		clk = clock.New()
	}
	stall := durationOr(e.StallTimeout, DefaultStallTimeout)
	grace := durationOr(e.StartupGrace, DefaultStartupGrace)

	start := clk.Now()
	lastAdvance := start
	var last Progress

	ticker := clk.Ticker(durationOr(e.Tick, defaultWatchTick))
	defer ticker.Stop()

	// done only fires after progress is closed, so the drain ends.
	drain := func() {
		if progress == nil {
			return
		}
		for p := range progress {
			last = p
		}
	}
	// The parser must keep moving until the process is reaped.
	reap := func() error {
		for {
			select {
			case err := <-done:
				drain()
				return err
			case p, ok := <-progress:
				if !ok {
					progress = nil
					continue
				}
				last = p
			}
		}
	}
	kill := func(cause error) (Progress, error) {
		_ = proc.Kill()
		_ = reap()
		return last, cause
	}

	for {
		select {
		case err := <-done:
			drain()
			if err != nil {
				if ctx.Err() != nil {
					return last, fmt.Errorf("ffmpeg: %w", ctx.Err())
				}
				return last, fmt.Errorf("ffmpeg exited: %w", err)
			}
			return last, nil
		case <-ctx.Done():
			return kill(ctx.Err())
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if p.advancedFrom(last) {
				last = p
				lastAdvance = clk.Now()
			}
		case <-ticker.C:
			if clk.Since(start) < grace {
				continue
			}
			if since := clk.Since(lastAdvance); since > stall {
				log.Error("encoder stalled, killing ffmpeg",
					slog.Duration("since_progress", since),
					slog.Int64("out_time_us", last.OutTimeUs),
					slog.Int64("total_size", last.TotalSize),
					slog.String("speed", last.Speed))
				return kill(ErrEncoderStalled)
			}
		}
	}
}

// ParseProgress reads ffmpeg -progress output and emits one Progress per block.
func ParseProgress(r io.Reader, ch chan<- Progress) {
	sc := bufio.NewScanner(r)
	var cur Progress
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "frame":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cur.Frame = v
			}
		case "out_time_us":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cur.OutTimeUs = v
			}
		case "total_size":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cur.TotalSize = v
			}
		case "speed":
			cur.Speed = val
		case "progress":
			cur.Done = val == "end"
			ch <- cur
		}
	}
	// Keep the pipe drained so ffmpeg never blocks on a full stdout.
	_, _ = io.Copy(io.Discard, r)
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func tailString(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
