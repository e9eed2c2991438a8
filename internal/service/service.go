// Package service exposes the tenant-facing operations: start, run, run
// tests and stop. Every operation for a tenant goes through that tenant's
// queue lane, so they never overlap.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/itstheanurag/runbox/internal/database"
	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/itstheanurag/runbox/internal/metrics"
	"github.com/itstheanurag/runbox/internal/queue"
	"github.com/itstheanurag/runbox/internal/session"
	"github.com/rs/zerolog"
)

const recordTimeout = 2 * time.Second

var (
	ErrMissingTenant   = errors.New("missing tenant id")
	ErrUnknownLanguage = errors.New("unknown language")
	ErrEmptyCode       = errors.New("source code is empty")
	ErrNoTestCases     = errors.New("at least one test case is required")
)

// Recorder stores execution audit rows. Failures are logged only.
type Recorder interface {
	RecordExecution(ctx context.Context, rec database.ExecutionRecord) error
}

type Service struct {
	registry *languages.Registry
	sessions *session.Manager
	executor *executor.Executor
	queue    *queue.Manager
	recorder Recorder
	logger   *zerolog.Logger
}

func New(
	registry *languages.Registry,
	sessions *session.Manager,
	exec *executor.Executor,
	q *queue.Manager,
	recorder Recorder,
	logger *zerolog.Logger,
) *Service {
	return &Service{
		registry: registry,
		sessions: sessions,
		executor: exec,
		queue:    q,
		recorder: recorder,
		logger:   logger,
	}
}

func (s *Service) Languages() []languages.Language {
	return s.registry.List()
}

func (s *Service) validate(tenant, languageID string) error {
	if tenant == "" {
		return ErrMissingTenant
	}
	if _, err := s.registry.Resolve(languageID); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownLanguage, languageID)
	}
	return nil
}

// Start makes sure the tenant has a ready container for languageID.
func (s *Service) Start(ctx context.Context, tenant, languageID string) error {
	if err := s.validate(tenant, languageID); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	return s.queue.Do(tenant, func() error {
		if _, err := s.sessions.Ensure(ctx, tenant, languageID); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		s.sessions.Touch(tenant)
		return nil
	})
}

// Run executes code once. Request-shape problems are returned as errors;
// everything after that is reported through the result status.
func (s *Service) Run(ctx context.Context, tenant, languageID, code, stdin string) (*executor.ExecutionResult, error) {
	if err := s.validate(tenant, languageID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, ErrEmptyCode
	}
	ctx = context.WithoutCancel(ctx)

	runID := uuid.NewString()
	return queue.Call(s.queue, tenant, func() (*executor.ExecutionResult, error) {
		startTime := time.Now()
		sess, err := s.sessions.Ensure(ctx, tenant, languageID)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant", tenant).Str("language", languageID).Msg("failed to prepare session")
			res := &executor.ExecutionResult{
				Status: executor.StatusSystemError,
				Stderr: "failed to prepare sandbox: " + err.Error(),
			}
			s.observe(ctx, runID, tenant, languageID, "run", res.Status, 0, 0, time.Since(startTime))
			return res, nil
		}

		res := s.executor.Execute(ctx, sess, code, stdin)
		s.sessions.Touch(tenant)
		s.observe(ctx, runID, tenant, languageID, "run", res.Status, 0, 0, time.Since(startTime))
		s.logger.Info().
			Str("run_id", runID).
			Str("tenant", tenant).
			Str("language", languageID).
			Str("status", string(res.Status)).
			Int64("time_ms", res.TimeMs).
			Msg("execution finished")
		return res, nil
	})
}

// RunTests builds code once and runs it against every case in order.
func (s *Service) RunTests(ctx context.Context, tenant, languageID, code string, cases []executor.TestCase) ([]executor.TestCaseResult, error) {
	if err := s.validate(tenant, languageID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(code) == "" {
		return nil, ErrEmptyCode
	}
	if len(cases) == 0 {
		return nil, ErrNoTestCases
	}
	ctx = context.WithoutCancel(ctx)

	runID := uuid.NewString()
	return queue.Call(s.queue, tenant, func() ([]executor.TestCaseResult, error) {
		startTime := time.Now()
		sess, err := s.sessions.Ensure(ctx, tenant, languageID)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant", tenant).Str("language", languageID).Msg("failed to prepare session")
			results := make([]executor.TestCaseResult, len(cases))
			for i := range cases {
				results[i] = executor.TestCaseResult{
					Index:  i,
					Status: executor.StatusSystemError,
					Stderr: "failed to prepare sandbox: " + err.Error(),
				}
				if cases[i].Expected != nil {
					passed := false
					results[i].Passed = &passed
				}
			}
			s.observe(ctx, runID, tenant, languageID, "tests", executor.StatusSystemError, len(cases), 0, time.Since(startTime))
			return results, nil
		}

		results := s.executor.RunTests(ctx, sess, code, cases)
		s.sessions.Touch(tenant)

		passed := 0
		for _, r := range results {
			if r.Passed != nil {
				metrics.TestCasesTotal.WithLabelValues(languageID, strconv.FormatBool(*r.Passed)).Inc()
				if *r.Passed {
					passed++
				}
			}
		}
		s.observe(ctx, runID, tenant, languageID, "tests", summarize(results), len(cases), passed, time.Since(startTime))
		s.logger.Info().
			Str("run_id", runID).
			Str("tenant", tenant).
			Str("language", languageID).
			Int("cases", len(cases)).
			Int("passed", passed).
			Msg("test run finished")
		return results, nil
	})
}

// Stop disposes the tenant's session. Without a session it does nothing.
func (s *Service) Stop(ctx context.Context, tenant string) error {
	if tenant == "" {
		return ErrMissingTenant
	}
	ctx = context.WithoutCancel(ctx)
	return s.queue.Do(tenant, func() error {
		s.sessions.Dispose(ctx, tenant)
		return nil
	})
}

// ReapIdle stops sessions that have not been used since now-idle. Each stop
// is queued behind any work the tenant already has and re-checks idleness.
func (s *Service) ReapIdle(ctx context.Context, idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	tenants := s.sessions.IdleSince(cutoff)
	reaped := 0
	for _, tenant := range tenants {
		tenant := tenant // per-iteration copy (go directive is below 1.22)
		_ = s.queue.Do(tenant, func() error {
			sess, ok := s.sessions.Get(tenant)
			if !ok || !sess.LastUsed.Before(cutoff) {
				return nil
			}
			s.logger.Info().Str("tenant", tenant).Dur("idle", time.Since(sess.LastUsed)).Msg("reaping idle session")
			s.sessions.Dispose(ctx, tenant)
			reaped++
			return nil
		})
	}
	return reaped
}

// Shutdown stops accepting operations, waits for the queued ones to finish,
// then disposes every live session. Operations submitted meanwhile fail with
// queue.ErrClosed.
func (s *Service) Shutdown(ctx context.Context) {
	if err := s.queue.Drain(ctx); err != nil {
		s.logger.Warn().Err(err).Int("lanes", s.queue.Lanes()).Msg("disposing sessions with operations still running")
	}
	s.sessions.DisposeAll(ctx)
}

// summarize picks the status recorded for a whole test run: the first
// non-success status, or success.
func summarize(results []executor.TestCaseResult) executor.Status {
	for _, r := range results {
		if r.Status != executor.StatusSuccess {
			return r.Status
		}
	}
	return executor.StatusSuccess
}

func (s *Service) observe(ctx context.Context, runID, tenant, languageID, kind string, status executor.Status, cases, passed int, elapsed time.Duration) {
	metrics.ExecutionsTotal.WithLabelValues(languageID, string(status)).Inc()
	metrics.ExecutionDuration.WithLabelValues(languageID, "total").Observe(float64(elapsed.Milliseconds()))

	if s.recorder == nil {
		return
	}
	rec := database.ExecutionRecord{
		JobID:      runID,
		Tenant:     tenant,
		Language:   languageID,
		Kind:       kind,
		Status:     string(status),
		TestCases:  cases,
		Passed:     passed,
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	if err := s.recorder.RecordExecution(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Str("tenant", tenant).Msg("failed to record execution")
	}
}
