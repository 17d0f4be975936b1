package process

// Definition describes how to launch and supervise one named process.
// It is built once from configuration and never mutated afterwards.
type Definition struct {
	// Name is the configuration map key
	Name string `yaml:"-"`

	Command          string   `yaml:"cmd"`
	Args             []string `yaml:"args,omitempty"`
	WorkingDirectory string   `yaml:"cwd,omitempty"`
	Environment      []string `yaml:"env,omitempty"`

	// nil means inherit the supervisor's own identity
	UID *int `yaml:"uid,omitempty"`
	GID *int `yaml:"gid,omitempty"`

	Restart bool `yaml:"restart,omitempty"`
	Console bool `yaml:"console,omitempty"`

	LogFile    string `yaml:"logfile,omitempty"`
	StdoutFile string `yaml:"stdout,omitempty"`
	StderrFile string `yaml:"stderr,omitempty"`
	Append     bool   `yaml:"append,omitempty"`

	PIDFile string `yaml:"pidfile,omitempty"`
}

// HasCredentials reports whether the child must run under a different uid or gid
func (d Definition) HasCredentials() bool {
	return d.UID != nil || d.GID != nil
}
