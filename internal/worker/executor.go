package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/cuongbtq/imagejobs/internal/domain"
)

const (
	defaultMaxStderr = 64 * 1024
	defaultWaitDelay = 2 * time.Second
)

// Invocation is one processor run
type Invocation struct {
	InputPath  string
	OutputPath string
	Filter     string
	Intensity  int
}

// Args is the processor command line: <in> <out> <filter> <intensity>
func (inv Invocation) Args() []string {
	return []string{inv.InputPath, inv.OutputPath, inv.Filter, strconv.Itoa(inv.Intensity)}
}

// Executor runs the image processor. Failures are returned as
// *domain.ExecutionError.
type Executor interface {
	Run(ctx context.Context, inv Invocation) error
}

// ProcessExecutor runs an external executable under a hard timeout
type ProcessExecutor struct {
	Path      string
	Timeout   time.Duration
	MaxStderr int
	WaitDelay time.Duration
}

var _ Executor = (*ProcessExecutor)(nil)

func NewProcessExecutor(path string, timeout time.Duration) *ProcessExecutor {
	return &ProcessExecutor{
		Path:      path,
		Timeout:   timeout,
		MaxStderr: defaultMaxStderr,
		WaitDelay: defaultWaitDelay,
	}
}

func (e *ProcessExecutor) Run(ctx context.Context, inv Invocation) error {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	stderr := &cappedBuffer{max: e.MaxStderr}
	cmd := exec.CommandContext(ctx, e.Path, inv.Args()...)
	cmd.Stderr = stderr
	cmd.WaitDelay = e.WaitDelay
	killProcessGroup(cmd)

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.ExecutionError{
			ExitCode: -1,
			Stderr:   stderr.String(),
			Timeout:  e.Timeout,
			Err:      domain.ErrTimeout,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &domain.ExecutionError{
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
			Err:      err,
		}
	}

	// the process never started
	return &domain.ExecutionError{
		ExitCode: -1,
		Err:      fmt.Errorf("failed to start processor: %w", err),
	}
}

// cappedBuffer keeps the first max bytes written and drops the rest
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "...(truncated)"
	}
	return b.buf.String()
}
