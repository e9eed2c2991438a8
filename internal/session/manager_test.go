package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/itstheanurag/runbox/internal/limits"
	"github.com/itstheanurag/runbox/internal/sandbox/sandboxtest"
	"github.com/rs/zerolog"
)

func newTestManager(rt *sandboxtest.Fake) *Manager {
	logger := zerolog.Nop()
	return NewManager(NewMemoryStore(), rt, languages.NewRegistry(), limits.DefaultDefaults(), &logger)
}

func TestEnsureIsIdempotent(t *testing.T) {
	rt := sandboxtest.NewFake()
	m := newTestManager(rt)
	ctx := context.Background()

	first, err := m.Ensure(ctx, "u1", "python")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := m.Ensure(ctx, "u1", "python")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.ContainerID != second.ContainerID {
		t.Fatalf("container changed: %s -> %s", first.ContainerID, second.ContainerID)
	}
	if n := rt.Count("create:"); n != 1 {
		t.Fatalf("expected one container creation, got %d", n)
	}
	if first.Timeouts.Run <= 0 || first.Language.ID != "python" {
		t.Fatalf("unexpected session %+v", first)
	}
}

func TestEnsureLanguageSwitchDestroysFirst(t *testing.T) {
	rt := sandboxtest.NewFake()
	m := newTestManager(rt)
	ctx := context.Background()

	py, err := m.Ensure(ctx, "u1", "python")
	if err != nil {
		t.Fatal(err)
	}
	cpp, err := m.Ensure(ctx, "u1", "cpp")
	if err != nil {
		t.Fatal(err)
	}
	if cpp.ContainerID == py.ContainerID {
		t.Fatal("expected a new container after switching language")
	}

	events := rt.Events()
	destroyAt, createAt := -1, -1
	for i, e := range events {
		if e == "destroy:"+py.ContainerID {
			destroyAt = i
		}
		if e == fmt.Sprintf("create:gcc:13:%s", cpp.ContainerID) {
			createAt = i
		}
	}
	if destroyAt < 0 || createAt < 0 || destroyAt > createAt {
		t.Fatalf("old container must be destroyed before the new one is created: %v", events)
	}
	if rt.Live() != 1 {
		t.Fatalf("expected exactly one live container, got %d", rt.Live())
	}
	cur, ok := m.Get("u1")
	if !ok || cur.Language.ID != "cpp" {
		t.Fatalf("session not replaced: %+v", cur)
	}
}

func TestEnsureUnknownLanguage(t *testing.T) {
	rt := sandboxtest.NewFake()
	m := newTestManager(rt)
	_, err := m.Ensure(context.Background(), "u1", "brainfuck")
	if !errors.Is(err, languages.ErrLanguageNotFound) {
		t.Fatalf("expected ErrLanguageNotFound, got %v", err)
	}
	if len(rt.Events()) != 0 {
		t.Fatalf("runtime touched for unknown language: %v", rt.Events())
	}
}

func TestEnsureEngineFailureLeavesNoSession(t *testing.T) {
	rt := sandboxtest.NewFake()
	rt.CreateErr = errors.New("daemon unreachable")
	m := newTestManager(rt)

	if _, err := m.Ensure(context.Background(), "u1", "python"); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := m.Get("u1"); ok {
		t.Fatal("no session should be recorded after a failed create")
	}
}

func TestDisposeWithoutSessionIsNoop(t *testing.T) {
	rt := sandboxtest.NewFake()
	m := newTestManager(rt)
	m.Dispose(context.Background(), "nobody")
	if len(rt.Events()) != 0 {
		t.Fatalf("unexpected runtime calls: %v", rt.Events())
	}
}

func TestDisposeAll(t *testing.T) {
	rt := sandboxtest.NewFake()
	m := newTestManager(rt)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := m.Ensure(ctx, fmt.Sprintf("u%d", i), "python"); err != nil {
			t.Fatal(err)
		}
	}
	m.DisposeAll(ctx)
	if rt.Live() != 0 {
		t.Fatalf("expected all containers destroyed, %d live", rt.Live())
	}
	if n := rt.Count("destroy:"); n != 5 {
		t.Fatalf("expected 5 destroys, got %d", n)
	}
	if _, ok := m.Get("u3"); ok {
		t.Fatal("session survived DisposeAll")
	}
}

func TestIdleSince(t *testing.T) {
	rt := sandboxtest.NewFake()
	m := newTestManager(rt)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	if _, err := m.Ensure(ctx, "old", "python"); err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return base.Add(time.Hour) }
	if _, err := m.Ensure(ctx, "fresh", "python"); err != nil {
		t.Fatal(err)
	}

	idle := m.IdleSince(base.Add(30 * time.Minute))
	if len(idle) != 1 || idle[0] != "old" {
		t.Fatalf("idle = %v", idle)
	}

	m.Touch("old")
	if idle := m.IdleSince(base.Add(30 * time.Minute)); len(idle) != 0 {
		t.Fatalf("touched session still idle: %v", idle)
	}
}
