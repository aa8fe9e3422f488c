package syncqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacerAdjusts(t *testing.T) {
	c := &clock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	p := NewPacer(100*time.Millisecond, 50*time.Millisecond, time.Second)
	p.now = c.now
	p.lastAdjust = c.t

	p.Throttled()
	assert.Equal(t, 120*time.Millisecond, p.Delay())

	p.ObserveUsage(50)
	assert.Equal(t, 120*time.Millisecond, p.Delay(), "low usage leaves pace alone")
	p.ObserveUsage(80)
	assert.Equal(t, 144*time.Millisecond, p.Delay())
	p.ObserveUsage(97)
	assert.Equal(t, time.Second, p.Delay())

	for i := 0; i < 5; i++ {
		p.Success()
	}
	assert.Equal(t, time.Second, p.Delay(), "no recovery inside the cooldown")

	c.advance(11 * time.Second)
	p.Success()
	assert.Equal(t, 900*time.Millisecond, p.Delay())
}

func TestPacerClampsToMin(t *testing.T) {
	c := &clock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	p := NewPacer(0, 50*time.Millisecond, time.Second)
	p.now = c.now
	assert.Equal(t, 50*time.Millisecond, p.Delay())

	c.advance(time.Minute)
	for i := 0; i < 5; i++ {
		p.Success()
	}
	assert.Equal(t, 50*time.Millisecond, p.Delay())
}

func TestPacerWaitHonoursContext(t *testing.T) {
	p := NewPacer(time.Hour, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.Canceled)

	fast := NewPacer(time.Millisecond, time.Millisecond, time.Millisecond)
	assert.NoError(t, fast.Wait(context.Background()))
}
