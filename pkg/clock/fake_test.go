package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresAfter(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Fake(start)

	ch := c.After(time.Second)
	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, start.Add(time.Second), fired)
	default:
		t.Fatal("did not fire after advance")
	}
}

func TestFakeTickerStops(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(10 * time.Millisecond)

	c.Advance(10 * time.Millisecond)
	require.Len(t, ticker.C, 1)
	<-ticker.C

	ticker.Stop()
	c.Advance(time.Second)
	assert.Len(t, ticker.C, 0)
}

func TestFakeSetBackwards(t *testing.T) {
	start := time.Unix(100, 0)
	c := Fake(start)
	c.Set(time.Unix(50, 0))
	assert.Equal(t, time.Unix(50, 0), c.Now())
}
