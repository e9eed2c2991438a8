package languages

// Limits overrides the sandbox-wide resource defaults for one language.
// Zero values mean "use the default".
type Limits struct {
	MemoryBytes  int64
	CPUs         float64
	PidsLimit    int64
	NoFileLimit  int64
	ScratchBytes int64
}

// Timeouts overrides the default wall-clock limits, in milliseconds.
type Timeouts struct {
	CompileMs int
	RunMs     int
}

type RuntimeConfig struct {
	Image          string
	SourceFile     string
	CompileCommand []string
	RunCommand     []string
	Env            []string
	Limits         Limits
	Timeouts       Timeouts
}

type Language struct {
	ID     string
	Name   string
	Config RuntimeConfig
}

// Compiled reports whether the language has a separate build step.
func (l Language) Compiled() bool {
	return len(l.Config.CompileCommand) > 0
}
