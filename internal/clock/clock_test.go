package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualTimer(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)

	timer := m.NewTimer(time.Minute)
	assert.Equal(t, []time.Duration{time.Minute}, m.Pending())

	m.Advance(59 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("fired before its deadline")
	default:
	}

	m.Advance(time.Second)
	select {
	case at := <-timer.C():
		assert.Equal(t, start.Add(time.Minute), at)
	default:
		t.Fatal("did not fire at its deadline")
	}
	assert.Empty(t, m.Pending())
	assert.False(t, timer.Stop())
}

func TestManualTimer_Stop(t *testing.T) {
	m := NewManual(time.Now())
	timer := m.NewTimer(time.Minute)

	assert.True(t, timer.Stop())
	assert.Empty(t, m.Pending())

	m.Advance(time.Hour)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
	assert.Empty(t, m.Waited(), "timers are not recorded as waits")
}
