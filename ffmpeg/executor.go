package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"distcoder/models"
)

// maxStderrTail bounds the stderr kept for error messages.
const maxStderrTail = 4 << 10

// ExecError is returned when ffmpeg exits unsuccessfully.
type ExecError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("ffmpeg failed: %v", e.Err)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

// Executor runs ffmpeg invocations.
type Executor struct {
	binary string
	parser *ProgressParser
	log    zerolog.Logger
}

// NewExecutor creates an executor for binary (DefaultBinary when empty).
func NewExecutor(binary string, log zerolog.Logger) *Executor {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Executor{
		binary: binary,
		parser: NewProgressParser(),
		log:    log.With().Str("component", "ffmpeg").Logger(),
	}
}

// Binary returns the ffmpeg executable.
func (e *Executor) Binary() string { return e.binary }

// Run executes ffmpeg with args, feeding stdin and collecting stdout.
// When progress is non-nil, -progress lines on stderr update it and invoke
// callback; every other stderr line is kept for the error message.
func (e *Executor) Run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, progress *models.TranscodeProgress, callback models.ProgressCallback) error {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", e.binary, err)
	}

	var tail bytes.Buffer
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if progress != nil && e.parser.ParseLine(line, progress) {
			if callback != nil && isBlockEnd(line) {
				callback(progress)
			}
			continue
		}
		if tail.Len() < maxStderrTail {
			tail.WriteString(line)
			tail.WriteByte('\n')
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if progress != nil {
			progress.State = models.ProgressStateFailed
		}
		return &ExecError{Args: args, Stderr: tail.String(), Err: err}
	}
	if progress != nil {
		progress.State = models.ProgressStateCompleted
	}
	return nil
}

// Remux rewrites src into the container implied by dst's extension
// without re-encoding.
func (e *Executor) Remux(ctx context.Context, src, dst string) error {
	args := []string{"-hide_banner", "-loglevel", "error", "-i", src, "-map", "0", "-c", "copy", "-y", dst}
	e.log.Debug().Str("src", src).Str("dst", dst).Msg("remuxing")
	return e.Run(ctx, args, nil, io.Discard, nil, nil)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
