package executor

import (
	"context"
	"strings"
	"time"

	"github.com/itstheanurag/runbox/internal/metrics"
	"github.com/itstheanurag/runbox/internal/sandbox"
	"github.com/itstheanurag/runbox/internal/session"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusSuccess            Status = "success"
	StatusCompilationError   Status = "compilation_error"
	StatusCompilationTimeout Status = "compilation_timeout"
	StatusTimeout            Status = "timeout"
	StatusRuntimeError       Status = "runtime_error"
	StatusSystemError        Status = "system_error"
)

type ExecutionResult struct {
	Status   Status `json:"status"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimeMs   int64  `json:"time_ms"`
}

// killStrays kills every process in the container except init and the shell
// running the script, so nothing from one submission outlives it.
var killStrays = []string{
	"sh", "-c",
	`for p in /proc/[0-9]*; do pid=${p#/proc/}; [ "$pid" = 1 ] || [ "$pid" = "$$" ] || kill -9 "$pid" 2>/dev/null; done; exit 0`,
}

type Executor struct {
	sandbox        sandbox.Runtime
	cleanupTimeout time.Duration
	logger         *zerolog.Logger
}

func NewExecutor(sb sandbox.Runtime, cleanupTimeout time.Duration, logger *zerolog.Logger) *Executor {
	return &Executor{
		sandbox:        sb,
		cleanupTimeout: cleanupTimeout,
		logger:         logger,
	}
}

// Execute uploads, compiles (if the language has a build step) and runs code
// with stdin inside the session's container.
func (e *Executor) Execute(ctx context.Context, sess session.Session, code, stdin string) *ExecutionResult {
	failed, uploaded := e.prepare(ctx, sess, code)
	if failed != nil {
		if uploaded {
			e.cleanup(ctx, sess)
		}
		return failed
	}

	res := e.run(ctx, sess, stdin)
	e.cleanup(ctx, sess)
	return res
}

// prepare uploads the source and compiles it. It returns a terminal result on
// failure, and whether the upload got far enough that cleanup is needed.
func (e *Executor) prepare(ctx context.Context, sess session.Session, code string) (*ExecutionResult, bool) {
	lang := sess.Language
	if err := e.sandbox.UploadFile(ctx, sess.ContainerID, lang.Config.SourceFile, []byte(code)); err != nil {
		e.logger.Error().Err(err).
			Str("tenant", sess.Tenant).
			Str("container", sess.ContainerID).
			Msg("failed to upload source")
		return &ExecutionResult{
			Status: StatusSystemError,
			Stderr: "failed to upload source code: " + err.Error(),
		}, false
	}

	if !lang.Compiled() {
		return nil, true
	}

	res, err := e.sandbox.Exec(ctx, sess.ContainerID, sandbox.ExecRequest{
		Cmd:     lang.Config.CompileCommand,
		Env:     lang.Config.Env,
		Timeout: sess.Timeouts.Compile,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("tenant", sess.Tenant).Msg("compile exec failed")
		return &ExecutionResult{
			Status: StatusSystemError,
			Stderr: "failed to run compiler: " + err.Error(),
		}, true
	}
	metrics.ExecutionDuration.WithLabelValues(lang.ID, "compile").Observe(float64(res.Duration.Milliseconds()))

	switch {
	case res.TimedOut:
		return &ExecutionResult{
			Status:   StatusCompilationTimeout,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: res.ExitCode,
			TimeMs:   res.Duration.Milliseconds(),
		}, true
	case res.ExitCode != 0:
		return &ExecutionResult{
			Status:   StatusCompilationError,
			Stderr:   compilerOutput(res),
			ExitCode: res.ExitCode,
			TimeMs:   res.Duration.Milliseconds(),
		}, true
	}
	return nil, true
}

// compilerOutput prefers stderr, falling back to stdout for toolchains that
// print diagnostics there.
func compilerOutput(res *sandbox.ExecResult) string {
	if strings.TrimSpace(res.Stderr) != "" {
		return res.Stderr
	}
	return res.Stdout
}

func (e *Executor) run(ctx context.Context, sess session.Session, stdin string) *ExecutionResult {
	lang := sess.Language
	res, err := e.sandbox.Exec(ctx, sess.ContainerID, sandbox.ExecRequest{
		Cmd:     lang.Config.RunCommand,
		Stdin:   stdin,
		Env:     lang.Config.Env,
		Timeout: sess.Timeouts.Run,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("tenant", sess.Tenant).Msg("run exec failed")
		return &ExecutionResult{
			Status: StatusSystemError,
			Stderr: "failed to run program: " + err.Error(),
		}
	}
	metrics.ExecutionDuration.WithLabelValues(lang.ID, "run").Observe(float64(res.Duration.Milliseconds()))

	status := StatusSuccess
	switch {
	case res.TimedOut:
		status = StatusTimeout
	case res.ExitCode != 0:
		status = StatusRuntimeError
	}

	return &ExecutionResult{
		Status:   status,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		TimeMs:   res.Duration.Milliseconds(),
	}
}

// cleanup never changes the outcome; failures are only logged.
func (e *Executor) cleanup(ctx context.Context, sess session.Session) {
	res, err := e.sandbox.Exec(ctx, sess.ContainerID, sandbox.ExecRequest{
		Cmd:     killStrays,
		Timeout: e.cleanupTimeout,
	})
	switch {
	case err != nil:
		metrics.CleanupFailures.Inc()
		e.logger.Warn().Err(err).Str("container", sess.ContainerID).Msg("process cleanup failed")
	case res.TimedOut:
		metrics.CleanupFailures.Inc()
		e.logger.Warn().Str("container", sess.ContainerID).Msg("process cleanup timed out")
	case res.ExitCode != 0:
		metrics.CleanupFailures.Inc()
		e.logger.Warn().Int("exit_code", res.ExitCode).Str("container", sess.ContainerID).Msg("process cleanup exited nonzero")
	}
}
