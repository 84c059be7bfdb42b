package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	c := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var order []string
	c.AfterFunc(2*time.Minute, func() { order = append(order, "b") })
	c.AfterFunc(time.Minute, func() { order = append(order, "a") })
	stopped := c.AfterFunc(90*time.Second, func() { order = append(order, "x") })
	assert.True(t, stopped.Stop())

	c.Advance(time.Minute)
	assert.Equal(t, []string{"a"}, order)

	c.Advance(time.Hour)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeCallbackCanReschedule(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	var fired []time.Time
	var tick func()
	tick = func() {
		fired = append(fired, c.Now())
		if len(fired) < 3 {
			c.AfterFunc(time.Minute, tick)
		}
	}
	c.AfterFunc(time.Minute, tick)

	c.Advance(10 * time.Minute)
	assert.Equal(t, []time.Time{start.Add(time.Minute), start.Add(2 * time.Minute), start.Add(3 * time.Minute)}, fired)
	assert.Equal(t, start.Add(10*time.Minute), c.Now())
}
