// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/itstheanurag/runbox/internal/limits"
	"github.com/itstheanurag/runbox/internal/sandbox"
)

// Fake records every call as an event string such as "create:img:c1" or
// "exec:c1:python". ExecFunc, when set, decides exec results.
type Fake struct {
	mu sync.Mutex

	EnsureErr error
	CreateErr error
	UploadErr error
	ExecFunc  func(containerID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error)

	// EnsureFunc, when set, runs before EnsureImage returns.
	EnsureFunc func(image string)

	events   []string
	files    map[string]map[string][]byte
	live     map[string]bool
	profiles map[string]limits.Profile
	nextID   int
}

func NewFake() *Fake {
	return &Fake{
		files:    make(map[string]map[string][]byte),
		live:     make(map[string]bool),
		profiles: make(map[string]limits.Profile),
	}
}

func (f *Fake) record(format string, args ...any) {
	f.events = append(f.events, fmt.Sprintf(format, args...))
}

func (f *Fake) EnsureImage(_ context.Context, image string) error {
	f.mu.Lock()
	f.record("ensure:%s", image)
	fn, err := f.EnsureFunc, f.EnsureErr
	f.mu.Unlock()

	if fn != nil {
		fn(image)
	}
	return err
}

func (f *Fake) CreateContainer(_ context.Context, image string, profile limits.Profile) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		f.record("create-failed:%s", image)
		return "", f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.live[id] = true
	f.profiles[id] = profile
	f.record("create:%s:%s", image, id)
	return id, nil
}

func (f *Fake) UploadFile(_ context.Context, containerID, name string, contents []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("upload:%s:%s", containerID, name)
	if f.UploadErr != nil {
		return f.UploadErr
	}
	if f.files[containerID] == nil {
		f.files[containerID] = make(map[string][]byte)
	}
	f.files[containerID][name] = append([]byte(nil), contents...)
	return nil
}

func (f *Fake) Exec(_ context.Context, containerID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	f.record("exec:%s:%s", containerID, strings.Join(req.Cmd, " "))
	fn := f.ExecFunc
	f.mu.Unlock()

	if fn == nil {
		return &sandbox.ExecResult{}, nil
	}
	return fn(containerID, req)
}

func (f *Fake) Destroy(_ context.Context, containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, containerID)
	f.record("destroy:%s", containerID)
}

// Events returns a copy of the recorded calls in order.
func (f *Fake) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// Count returns how many events start with prefix.
func (f *Fake) Count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// Live returns the number of containers created and not yet destroyed.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// File returns the last contents uploaded under name.
func (f *Fake) File(containerID, name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[containerID][name]
	return b, ok
}

// Profile returns the resource profile a container was created with.
func (f *Fake) Profile(containerID string) (limits.Profile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[containerID]
	return p, ok
}

var _ sandbox.Runtime = (*Fake)(nil)
