package process

import (
	"io"
	"os"
	"os/exec"

	"github.com/sourcegraph/conc"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// ExitStatus is how one incarnation of a child ended.
// Code is -1 when the child was killed by a signal or never started.
type ExitStatus struct {
	Code   int
	Signal string
}

// Child is a spawned process together with the copies of its output.
// A descendant that inherits the output pipes keeps them open after the
// child itself is gone, so exit and end of output are reported separately.
type Child struct {
	Cmd *exec.Cmd

	// read ends of the pipes the copies drain
	pipes  []*os.File
	copied chan struct{}
}

// Spawn starts def as a child process.
//
// stdout and stderr receive the child's raw output; a nil writer discards the
// stream. Any other writer is fed through a pipe by a copy goroutine that runs
// until the last holder of the pipe closes it.
func Spawn(def Definition, stdout, stderr io.Writer, logger logging.Logger) (*Child, error) {
	cmd := exec.Command(def.Command, def.Args...)

	// Empty Dir and nil Env inherit the supervisor's own values
	cmd.Dir = def.WorkingDirectory
	if len(def.Environment) > 0 {
		cmd.Env = append(os.Environ(), def.Environment...)
	}

	setupProcessAttributes(cmd, def)

	child := &Child{Cmd: cmd, copied: make(chan struct{})}

	var writeEnds []*os.File
	var copies []func()
	closeAll := func() {
		for _, f := range writeEnds {
			f.Close()
		}
		child.CloseStreams()
	}

	attach := func(w io.Writer) (*os.File, error) {
		if w == nil {
			return nil, nil
		}
		if f, ok := w.(*os.File); ok {
			return f, nil
		}
		r, wr, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		writeEnds = append(writeEnds, wr)
		child.pipes = append(child.pipes, r)
		copies = append(copies, func() {
			// a read error after CloseStreams ends the copy like EOF
			_, _ = io.Copy(w, r)
			r.Close()
		})
		return wr, nil
	}

	stdoutFile, err := attach(stdout)
	if err != nil {
		closeAll()
		return nil, errors.NewIOError("failed to create stdout pipe", err).WithContext("name", def.Name)
	}
	stderrFile, err := attach(stderr)
	if err != nil {
		closeAll()
		return nil, errors.NewIOError("failed to create stderr pipe", err).WithContext("name", def.Name)
	}
	// a nil *os.File must not become a non-nil io.Writer
	if stdoutFile != nil {
		cmd.Stdout = stdoutFile
	}
	if stderrFile != nil {
		cmd.Stderr = stderrFile
	}

	logger.Debugf("Spawning process, name: %s, command: '%s', args: %v, working directory: '%s'",
		def.Name, def.Command, def.Args, def.WorkingDirectory)

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, errors.NewProcessError("failed to start the process", err).
			WithContext("name", def.Name).
			WithContext("command", def.Command)
	}

	// only the child and its descendants hold the write ends now
	for _, f := range writeEnds {
		f.Close()
	}

	go func() {
		defer close(child.copied)
		var wg conc.WaitGroup
		for _, copyStream := range copies {
			wg.Go(copyStream)
		}
		wg.Wait()
	}()

	logger.Debugf("Spawned process, name: %s, PID: %d", def.Name, cmd.Process.Pid)

	return child, nil
}

func (c *Child) Pid() int {
	return c.Cmd.Process.Pid
}

// Wait blocks until the process exits and reports how it ended.
// It does not wait for the output copies, see StreamsClosed.
func (c *Child) Wait() (ExitStatus, error) {
	err := c.Cmd.Wait()
	if c.Cmd.ProcessState == nil {
		return ExitStatus{Code: -1}, err
	}
	status := exitStatusOf(c.Cmd.ProcessState)
	if _, ok := err.(*exec.ExitError); ok {
		// a non-zero exit is not a wait failure
		err = nil
	}
	return status, err
}

// StreamsClosed is closed once every output copy has finished
func (c *Child) StreamsClosed() <-chan struct{} {
	return c.copied
}

// CloseStreams ends the output copies without waiting for EOF.
// Output still buffered in the pipes is dropped.
func (c *Child) CloseStreams() {
	for _, r := range c.pipes {
		_ = r.Close()
	}
}
