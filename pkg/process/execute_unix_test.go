//go:build !windows

package process

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawn_CapturesStreamsAndExitCode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	def := Definition{
		Name:    "echo",
		Command: "/bin/sh",
		Args:    []string{"-c", "printf out; printf err >&2; exit 3"},
	}

	child, err := Spawn(def, &stdout, &stderr, logging.Nop())
	require.NoError(t, err)
	assert.Greater(t, child.Pid(), 0)

	status, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, status.Code)
	assert.Empty(t, status.Signal)
	<-child.StreamsClosed()
	assert.Equal(t, "out", stdout.String())
	assert.Equal(t, "err", stderr.String())
}

func TestSpawn_NilWritersDiscardOutput(t *testing.T) {
	child, err := Spawn(Definition{Name: "quiet", Command: "/bin/sh", Args: []string{"-c", "echo hidden"}}, nil, nil, logging.Nop())
	require.NoError(t, err)

	status, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, status.Code)

	select {
	case <-child.StreamsClosed():
	case <-time.After(5 * time.Second):
		t.Fatal("streams of a child without pipes never closed")
	}
}

func TestSpawn_WorkingDirectoryAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	def := Definition{
		Name:             "env",
		Command:          "/bin/sh",
		Args:             []string{"-c", `printf "%s|%s" "$(pwd)" "$SUPERVISED_MODE"`},
		WorkingDirectory: dir,
		Environment:      []string{"SUPERVISED_MODE=test"},
	}

	child, err := Spawn(def, &stdout, nil, logging.Nop())
	require.NoError(t, err)
	_, err = child.Wait()
	require.NoError(t, err)
	<-child.StreamsClosed()

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Contains(t, []string{dir + "|test", resolved + "|test"}, stdout.String())
}

func TestSpawn_CurrentCredentials(t *testing.T) {
	uid := os.Getuid()
	gid := os.Getgid()
	var stdout bytes.Buffer
	def := Definition{
		Name:    "ids",
		Command: "/bin/sh",
		Args:    []string{"-c", "id -u"},
		UID:     &uid,
		GID:     &gid,
	}

	child, err := Spawn(def, &stdout, nil, logging.Nop())
	require.NoError(t, err)
	_, err = child.Wait()
	require.NoError(t, err)
	<-child.StreamsClosed()
	assert.Equal(t, strconv.Itoa(uid)+"\n", stdout.String())
}

func TestSpawn_MissingExecutable(t *testing.T) {
	child, err := Spawn(Definition{Name: "ghost", Command: "/definitely/not/here"}, nil, nil, logging.Nop())

	assert.Nil(t, child)
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))
}

func TestWait_ReportsSignal(t *testing.T) {
	child, err := Spawn(Definition{Name: "suicide", Command: "/bin/sh", Args: []string{"-c", "kill -9 $$"}}, nil, nil, logging.Nop())
	require.NoError(t, err)

	status, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, -1, status.Code)
	assert.Equal(t, "killed", status.Signal)
}

func TestKillProcessGroup(t *testing.T) {
	child, err := Spawn(Definition{Name: "sleeper", Command: "/bin/sleep", Args: []string{"30"}}, nil, nil, logging.Nop())
	require.NoError(t, err)

	require.NoError(t, KillProcessGroup(child.Pid()))

	status, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, "killed", status.Signal)
}

// lockedBuffer is written by the copy goroutine and read by the test
type lockedBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

func TestWait_DoesNotWaitForDescendantHoldingOutput(t *testing.T) {
	stdout := &lockedBuffer{}
	child, err := Spawn(Definition{
		Name:    "forker",
		Command: "/bin/sh",
		Args:    []string{"-c", "(sleep 1; printf late) & printf early"},
	}, stdout, nil, logging.Nop())
	require.NoError(t, err)

	started := time.Now()
	status, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, status.Code)
	assert.Less(t, time.Since(started), 900*time.Millisecond)

	select {
	case <-child.StreamsClosed():
		t.Fatal("streams closed while the descendant still holds the pipe")
	default:
	}

	select {
	case <-child.StreamsClosed():
	case <-time.After(5 * time.Second):
		t.Fatal("streams did not close after the descendant exited")
	}
	assert.Equal(t, "earlylate", stdout.String())
}

func TestCloseStreams_EndsCopiesEarly(t *testing.T) {
	stdout := &lockedBuffer{}
	child, err := Spawn(Definition{
		Name:    "holder",
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30 & exit 0"},
	}, stdout, nil, logging.Nop())
	require.NoError(t, err)
	defer KillProcessGroup(child.Pid())

	_, err = child.Wait()
	require.NoError(t, err)

	child.CloseStreams()
	select {
	case <-child.StreamsClosed():
	case <-time.After(5 * time.Second):
		t.Fatal("CloseStreams did not end the copies")
	}
}
