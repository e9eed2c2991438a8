// Package session binds each tenant to at most one running container.
//
// The Manager is not safe for concurrent calls on the same tenant; callers
// serialize per tenant (see package queue). Calls for different tenants may
// run concurrently.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/itstheanurag/runbox/internal/limits"
	"github.com/itstheanurag/runbox/internal/metrics"
	"github.com/itstheanurag/runbox/internal/sandbox"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Session struct {
	Tenant      string
	ContainerID string
	Language    languages.Language
	Timeouts    limits.Timeouts
	CreatedAt   time.Time
	LastUsed    time.Time
}

type Manager struct {
	store    Store
	runtime  sandbox.Runtime
	registry *languages.Registry
	defaults limits.Defaults
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewManager(
	store Store,
	rt sandbox.Runtime,
	registry *languages.Registry,
	defaults limits.Defaults,
	logger *zerolog.Logger,
) *Manager {
	return &Manager{
		store:    store,
		runtime:  rt,
		registry: registry,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

// Ensure returns the tenant's session for languageID, creating it if needed.
// An existing session for another language is destroyed first.
func (m *Manager) Ensure(ctx context.Context, tenant, languageID string) (Session, error) {
	lang, err := m.registry.Resolve(languageID)
	if err != nil {
		return Session{}, fmt.Errorf("resolve language %q: %w", languageID, err)
	}

	if cur, ok := m.store.Get(tenant); ok {
		if cur.Language.ID == lang.ID {
			return cur, nil
		}
		m.logger.Info().
			Str("tenant", tenant).
			Str("from", cur.Language.ID).
			Str("to", lang.ID).
			Msg("switching session language")
		m.remove(ctx, cur)
	}

	profile, timeouts := limits.Build(lang, m.defaults)
	if err := m.runtime.EnsureImage(ctx, lang.Config.Image); err != nil {
		return Session{}, err
	}
	containerID, err := m.runtime.CreateContainer(ctx, lang.Config.Image, profile)
	if err != nil {
		return Session{}, err
	}

	now := m.now()
	sess := Session{
		Tenant:      tenant,
		ContainerID: containerID,
		Language:    lang,
		Timeouts:    timeouts,
		CreatedAt:   now,
		LastUsed:    now,
	}
	m.store.Put(sess)
	metrics.ActiveSessions.Inc()

	m.logger.Info().
		Str("tenant", tenant).
		Str("language", lang.ID).
		Str("container", containerID).
		Msg("session started")
	return sess, nil
}

// Touch records activity on the tenant's session.
func (m *Manager) Touch(tenant string) {
	m.store.Touch(tenant, m.now())
}

// Dispose destroys the tenant's container. It is a no-op without a session.
func (m *Manager) Dispose(ctx context.Context, tenant string) {
	sess, ok := m.store.Get(tenant)
	if !ok {
		return
	}
	m.remove(ctx, sess)
	m.logger.Info().Str("tenant", tenant).Msg("session stopped")
}

// DisposeAll destroys every live session concurrently and waits for all of them.
func (m *Manager) DisposeAll(ctx context.Context) {
	sessions := m.store.List()
	if len(sessions) == 0 {
		return
	}
	m.logger.Info().Int("sessions", len(sessions)).Msg("disposing all sessions")

	var g errgroup.Group
	for _, sess := range sessions {
		sess := sess // per-iteration copy (go directive is below 1.22)
		g.Go(func() error {
			m.remove(ctx, sess)
			return nil
		})
	}
	_ = g.Wait()
}

// IdleSince lists tenants whose session was last used before cutoff.
func (m *Manager) IdleSince(cutoff time.Time) []string {
	var tenants []string
	for _, sess := range m.store.List() {
		if sess.LastUsed.Before(cutoff) {
			tenants = append(tenants, sess.Tenant)
		}
	}
	return tenants
}

// Get returns the tenant's current session, if any.
func (m *Manager) Get(tenant string) (Session, bool) {
	return m.store.Get(tenant)
}

func (m *Manager) remove(ctx context.Context, sess Session) {
	m.runtime.Destroy(ctx, sess.ContainerID)
	m.store.Delete(sess.Tenant)
	metrics.ActiveSessions.Dec()
}
