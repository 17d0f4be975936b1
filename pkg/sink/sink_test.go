package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestOpen_TruncateAndAppend(t *testing.T) {
	tests := []struct {
		name       string
		appendMode bool
		expected   string
	}{
		{"truncate", false, "new\n"},
		{"append", true, "old\nnew\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.log")
			require.NoError(t, os.WriteFile(path, []byte("old\n"), 0644))

			s, err := Open(path, tt.appendMode)
			require.NoError(t, err)
			require.NoError(t, s.WriteLine("new"))
			require.NoError(t, s.Close())

			assert.Equal(t, tt.expected, readFile(t, path))
		})
	}
}

func TestSink_WriteIsVerbatim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	s, err := Open(path, false)
	require.NoError(t, err)

	chunks := [][]byte{[]byte("no newline"), {0x00, 0xff}, []byte("\r\npartial")}
	for _, chunk := range chunks {
		n, err := s.Write(chunk)
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	require.NoError(t, s.Close())

	assert.Equal(t, "no newline\x00\xff\r\npartial", readFile(t, path))
}

func TestSink_CloseIsIdempotent(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "out.log"), false)
	require.NoError(t, err)

	assert.False(t, s.Closed())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.Closed())

	_, err = s.Write([]byte("late"))
	assert.True(t, errors.IsIOError(err))
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "web", "out.log")
	s, err := Open(path, true)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, path, s.Path())
	assert.FileExists(t, path)
}

func TestOpen_Failure(t *testing.T) {
	_, err := Open(t.TempDir(), false)
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
}

func TestOpenSet(t *testing.T) {
	dir := t.TempDir()
	combined := filepath.Join(dir, "combined.log")
	stderr := filepath.Join(dir, "stderr.log")

	set, err := OpenSet(combined, "", stderr, false)
	require.NoError(t, err)

	assert.NotNil(t, set.Get(KindCombined))
	assert.Nil(t, set.Get(KindStdout))
	assert.NotNil(t, set.Get(KindStderr))

	require.NoError(t, set.CloseAll())
	assert.True(t, set.Combined.Closed())
	assert.True(t, set.Stderr.Closed())

	// second close is a no-op
	require.NoError(t, set.CloseAll())
}

func TestOpenSet_FailureClosesOpened(t *testing.T) {
	dir := t.TempDir()
	set, err := OpenSet(filepath.Join(dir, "combined.log"), dir, "", false)
	require.Error(t, err)
	assert.Nil(t, set)
	assert.True(t, errors.IsIOError(err))
}
