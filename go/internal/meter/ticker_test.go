package meter

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickerStoppedHasNoChannel(t *testing.T) {
	tk := NewTicker(clockwork.NewFakeClock(), time.Second)
	assert.Nil(t, tk.C())
	assert.False(t, tk.Running())
	assert.Equal(t, 0, tk.Builds())
}

func TestTickerTicksWhileRunning(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tk := NewTicker(clock, time.Second)
	tk.Rebuild(true)
	defer tk.Stop()

	require.NotNil(t, tk.C())
	clock.Advance(time.Second)
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("no tick")
	}
}

func TestTickerRebuildReplacesSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tk := NewTicker(clock, time.Second)

	tk.Rebuild(true)
	first := tk.C()
	clock.Advance(time.Second)

	tk.Rebuild(true)
	second := tk.C()
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, tk.Builds())

	// The pending tick of the old schedule was drained.
	select {
	case <-first:
		t.Fatal("old schedule still delivered a tick")
	default:
	}
	select {
	case <-second:
		t.Fatal("new schedule ticked early")
	default:
	}

	tk.Rebuild(false)
	assert.Nil(t, tk.C())
	assert.False(t, tk.Running())
	assert.Equal(t, 2, tk.Builds())
}

func TestTickerDefaultInterval(t *testing.T) {
	tk := NewTicker(clockwork.NewFakeClock(), 0)
	assert.Equal(t, DefaultTickInterval, tk.interval)
}
