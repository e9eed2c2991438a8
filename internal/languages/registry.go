package languages

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrLanguageNotFound = errors.New("language not found")
)

const mib = 1024 * 1024

type Registry struct {
	mu        sync.RWMutex
	languages map[string]Language
}

func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]Language),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) Register(lang Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages[lang.ID] = lang
}

// Resolve returns the recipe registered under id.
func (r *Registry) Resolve(id string) (Language, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.languages[id]
	if !ok {
		return Language{}, ErrLanguageNotFound
	}
	return lang, nil
}

// List returns every registered language ordered by id.
func (r *Registry) List() []Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]Language, 0, len(r.languages))
	for _, l := range r.languages {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	return langs
}

func (r *Registry) registerDefaults() {
	r.Register(Language{
		ID:   "python",
		Name: "Python",
		Config: RuntimeConfig{
			Image:      "python:3.11-slim",
			SourceFile: "solution.py",
			RunCommand: []string{"python", "-u", "solution.py"},
			Env:        []string{"PYTHONDONTWRITEBYTECODE=1"},
		},
	})

	r.Register(Language{
		ID:   "javascript",
		Name: "JavaScript",
		Config: RuntimeConfig{
			Image:      "node:20-slim",
			SourceFile: "solution.js",
			RunCommand: []string{"node", "solution.js"},
			Limits:     Limits{MemoryBytes: 512 * mib},
		},
	})

	r.Register(Language{
		ID:   "c",
		Name: "C",
		Config: RuntimeConfig{
			Image:          "gcc:13",
			SourceFile:     "solution.c",
			CompileCommand: []string{"gcc", "solution.c", "-O2", "-std=c17", "-o", "solution", "-lm"},
			RunCommand:     []string{"./solution"},
		},
	})

	r.Register(Language{
		ID:   "cpp",
		Name: "C++",
		Config: RuntimeConfig{
			Image:          "gcc:13",
			SourceFile:     "solution.cpp",
			CompileCommand: []string{"g++", "solution.cpp", "-O2", "-std=c++17", "-o", "solution"},
			RunCommand:     []string{"./solution"},
			Timeouts:       Timeouts{CompileMs: 15000},
		},
	})

	// javac requires the public class to live in a file of the same name.
	r.Register(Language{
		ID:   "java",
		Name: "Java",
		Config: RuntimeConfig{
			Image:          "eclipse-temurin:21-jdk",
			SourceFile:     "Main.java",
			CompileCommand: []string{"javac", "-J-XX:+UseSerialGC", "-J-XX:TieredStopAtLevel=1", "Main.java"},
			RunCommand:     []string{"java", "-XX:+UseSerialGC", "-XX:TieredStopAtLevel=1", "-Xss64m", "-cp", ".", "Main"},
			Limits:         Limits{MemoryBytes: 512 * mib, PidsLimit: 128},
			Timeouts:       Timeouts{CompileMs: 20000},
		},
	})

	r.Register(Language{
		ID:   "go",
		Name: "Go",
		Config: RuntimeConfig{
			Image:          "golang:1.22-alpine",
			SourceFile:     "main.go",
			CompileCommand: []string{"go", "build", "-o", "solution", "main.go"},
			RunCommand:     []string{"./solution"},
			Env:            []string{"HOME=/tmp", "GOCACHE=/tmp/gocache", "GO111MODULE=off", "CGO_ENABLED=0"},
			Limits:         Limits{MemoryBytes: 512 * mib, PidsLimit: 128, ScratchBytes: 256 * mib},
			Timeouts:       Timeouts{CompileMs: 30000},
		},
	})
}
