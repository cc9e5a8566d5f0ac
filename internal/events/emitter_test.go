package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webmirror/gateway/pkg/types"
)

func TestFileEmitterWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "events.log")

	emitter, err := NewFileEmitter(path, zap.NewNop())
	require.NoError(t, err)
	defer emitter.Close()

	emitter.Emit(&types.Event{ID: "1", At: time.Now(), Level: types.EventLevelInfo, Kind: types.EventResolve, Slug: "abc", Message: "resolved"})
	emitter.Emit(&types.Event{ID: "2", At: time.Now(), Level: types.EventLevelError, Kind: types.EventProxyError, Slug: "abc", Message: "boom"})
	require.NoError(t, emitter.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)

	var first types.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, types.EventResolve, first.Kind)
}

func TestFileEmitterCreatesParentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deep", "nested", "events.log")
	_, err := NewFileEmitter(path, zap.NewNop())
	require.NoError(t, err)
	_, err = os.Stat(filepath.Dir(path))
	require.NoError(t, err)
}
