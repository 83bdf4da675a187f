package rates

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable(t *testing.T) {
	table := Default()
	rate, err := table.Rate("engineer")
	require.NoError(t, err)
	assert.Equal(t, 90.0, rate)

	rate, err = table.Rate("  Manager ")
	require.NoError(t, err)
	assert.Equal(t, 120.0, rate)

	_, err = table.Rate("astronaut")
	assert.True(t, errors.Is(err, ErrUnknownRole))
	assert.False(t, table.Has("astronaut"))
	assert.Equal(t, len(DefaultRates), table.Len())
}

func TestRolesSorted(t *testing.T) {
	table, err := NewTable(map[string]float64{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, table.Roles())
}

func TestNewTableRejectsBadInput(t *testing.T) {
	_, err := NewTable(map[string]float64{"  ": 10})
	assert.Error(t, err)

	_, err = NewTable(map[string]float64{"engineer": -1})
	assert.Error(t, err)

	for _, rate := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err = NewTable(map[string]float64{"engineer": rate})
		assert.Error(t, err, "rate %v", rate)
	}
}

func TestTableIsImmutable(t *testing.T) {
	m := map[string]float64{"engineer": 90}
	table, err := NewTable(m)
	require.NoError(t, err)

	m["engineer"] = 1000
	rate, err := table.Rate("engineer")
	require.NoError(t, err)
	assert.Equal(t, 90.0, rate)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles:\n  engineer: 95\n  Lead: 140.5\n"), 0o600))

	table, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"engineer", "lead"}, table.Roles())

	rate, err := table.Rate("lead")
	require.NoError(t, err)
	assert.Equal(t, 140.5, rate)
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("roles: {}\n"), 0o600))
	_, err = LoadFile(empty)
	assert.Error(t, err)

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("roles: [\n"), 0o600))
	_, err = LoadFile(broken)
	assert.Error(t, err)

	notANumber := filepath.Join(dir, "nan.yaml")
	require.NoError(t, os.WriteFile(notANumber, []byte("roles:\n  engineer: .nan\n"), 0o600))
	_, err = LoadFile(notANumber)
	assert.Error(t, err)
}

func TestSourceSwap(t *testing.T) {
	src := NewSource(Default())
	before := src.Current()

	replacement, err := NewTable(map[string]float64{"engineer": 200})
	require.NoError(t, err)
	src.Store(replacement)

	rate, err := src.Current().Rate("engineer")
	require.NoError(t, err)
	assert.Equal(t, 200.0, rate)

	// Tables handed out earlier keep their rates.
	rate, err = before.Rate("engineer")
	require.NoError(t, err)
	assert.Equal(t, 90.0, rate)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles:\n  engineer: 90\n"), 0o600))

	src := NewSource(Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, src) }()

	// Keep rewriting until the watcher is registered and picks a write up.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("roles:\n  engineer: 150\n  pilot: 300\n"), 0o600)
		rate, err := src.Current().Rate("pilot")
		return err == nil && rate == 300
	}, 5*time.Second, 50*time.Millisecond)

	// A broken file keeps the previous table.
	require.NoError(t, os.WriteFile(path, []byte("roles: [\n"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.True(t, src.Current().Has("pilot"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
