package logs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWritersCreateDirAndFiles(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(Config{Dir: dir})
	out, errw, err := m.Writers("svc")
	require.NoError(t, err)
	_, werr := out.Write([]byte("hello\n"))
	require.NoError(t, werr)
	_, werr = errw.Write([]byte("oops\n"))
	require.NoError(t, werr)
	require.NoError(t, out.Close())
	require.NoError(t, errw.Close())

	stdout, stderr := m.cfg.Paths("svc")
	require.FileExists(t, stdout)
	require.FileExists(t, stderr)
}

func TestTailReturnsLastNLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc.out")
	content := ""
	for i := 1; i <= 10; i++ {
		content += "line" + string(rune('0'+i%10)) + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	lines, err := TailFile(path, 3)
	require.NoError(t, err)
	require.Len(t, lines, 3)
}

func TestTailMissingFileIsEmpty(t *testing.T) {
	lines, err := TailFile(filepath.Join(t.TempDir(), "nope.out"), 5)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestTailSpansIntoBackup(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "svc.out")
	backup := filepath.Join(dir, "svc-2024-01-01T00-00-00.000.out")
	require.NoError(t, os.WriteFile(backup, []byte("old1\nold2\nold3\n"), 0o600))
	require.NoError(t, os.WriteFile(current, []byte("new1\n"), 0o600))

	lines, err := TailFile(current, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"old2", "old3", "new1"}, lines)
}
