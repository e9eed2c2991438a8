package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/itstheanurag/runbox/internal/limits"
)

// TimeoutExitCode is reported for commands that hit their wall-clock limit.
const TimeoutExitCode = 124

var (
	ErrImagePull       = errors.New("image pull failed")
	ErrInvalidFileName = errors.New("invalid file name")
)

// ExecRequest describes one command to run inside a live container.
type ExecRequest struct {
	Cmd     []string
	Stdin   string
	Env     []string
	Timeout time.Duration
}

// ExecResult is the outcome of an ExecRequest. A nonzero exit code or a
// timeout is a normal result, not an error.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runtime drives the container engine. It holds no per-container state;
// callers own the container ids it hands out.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, image string, profile limits.Profile) (string, error)
	UploadFile(ctx context.Context, containerID, name string, contents []byte) error
	Exec(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error)
	Destroy(ctx context.Context, containerID string)
}
