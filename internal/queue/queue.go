// Package queue runs tasks one at a time per key, in submission order.
// Different keys never block each other.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/itstheanurag/runbox/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrClosed is returned for tasks submitted after Drain started.
var ErrClosed = errors.New("queue is closed")

type Task func() error

type Job struct {
	ID   string
	Key  string
	task Task
	err  error
	done chan struct{}
}

// Wait blocks until the job has run and returns its error.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

// lane is the FIFO of one key. It exists only while it has work.
type lane struct {
	pending []*Job
}

type Manager struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	depth   int
	closed  bool
	drained chan struct{}
	logger  *zerolog.Logger
}

func NewManager(logger *zerolog.Logger) *Manager {
	return &Manager{
		lanes:   make(map[string]*lane),
		drained: make(chan struct{}),
		logger:  logger,
	}
}

// Submit appends task to key's lane and returns immediately.
func (m *Manager) Submit(key string, task Task) *Job {
	job := &Job{
		ID:   uuid.NewString(),
		Key:  key,
		task: task,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		job.err = ErrClosed
		close(job.done)
		return job
	}
	l, ok := m.lanes[key]
	if !ok {
		l = &lane{}
		m.lanes[key] = l
		metrics.ActiveLanes.Inc()
	}
	l.pending = append(l.pending, job)
	m.depth++
	metrics.QueueDepth.Set(float64(m.depth))
	m.mu.Unlock()

	if !ok {
		go m.drain(key, l)
	}
	return job
}

// Do submits task and waits for it.
func (m *Manager) Do(key string, task Task) error {
	return m.Submit(key, task).Wait()
}

// Call runs fn on key's lane and returns its result.
func Call[T any](m *Manager, key string, fn func() (T, error)) (T, error) {
	var out T
	err := m.Do(key, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// Lanes returns the number of keys with queued or running work.
func (m *Manager) Lanes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

// Drain rejects new tasks with ErrClosed and waits until every queued and
// running task has finished, or ctx is done.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		if len(m.lanes) == 0 {
			close(m.drained)
		}
	}
	m.mu.Unlock()

	select {
	case <-m.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue not drained: %w", ctx.Err())
	}
}

func (m *Manager) drain(key string, l *lane) {
	for {
		m.mu.Lock()
		if len(l.pending) == 0 {
			delete(m.lanes, key)
			metrics.ActiveLanes.Dec()
			if m.closed && len(m.lanes) == 0 {
				close(m.drained)
			}
			m.mu.Unlock()
			return
		}
		job := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		m.mu.Unlock()

		m.run(job)

		m.mu.Lock()
		m.depth--
		metrics.QueueDepth.Set(float64(m.depth))
		m.mu.Unlock()
	}
}

func (m *Manager) run(job *Job) {
	defer close(job.done)
	defer func() {
		if r := recover(); r != nil {
			job.err = fmt.Errorf("task panicked: %v", r)
			m.logger.Error().
				Str("job_id", job.ID).
				Str("key", job.Key).
				Interface("panic", r).
				Msg("task panicked")
		}
	}()
	job.err = job.task()
}
