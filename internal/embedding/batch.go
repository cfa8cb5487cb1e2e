package embedding

import (
	"sync"

	"github.com/hyperjump/yakkan/internal/config"
)

// BatchController adapts the batch size of one backend to its observed success rate.
// The size halves when the success rate over the last Window calls falls below
// MinSuccessRate and grows by a quarter after GrowAfter consecutive successful calls.
type BatchController struct {
	mu       sync.Mutex
	size     int
	min      int
	max      int
	window   int
	samples  int
	minRate  float64
	grow     int
	history  []bool
	streak   int
	onResize func(old, new int)
}

// NewBatchController returns a controller configured from cfg.
func NewBatchController(cfg config.BatchConfig) *BatchController {
	c := &BatchController{
		size:    cfg.Initial,
		min:     cfg.Min,
		max:     cfg.Max,
		window:  cfg.Window,
		samples: cfg.MinSamples,
		minRate: cfg.MinSuccessRate,
		grow:    cfg.GrowAfter,
	}
	if c.min < 1 {
		c.min = 1
	}
	if c.max < c.min {
		c.max = c.min
	}
	if c.size < c.min {
		c.size = c.min
	}
	if c.size > c.max {
		c.size = c.max
	}
	if c.window < 1 {
		c.window = 10
	}
	if c.samples < 1 || c.samples > c.window {
		c.samples = c.window
	}
	return c
}

// Size returns the current batch size.
func (c *BatchController) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// SuccessRate returns the success rate over the current window, or 1 with no history.
func (c *BatchController) SuccessRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLocked()
}

func (c *BatchController) rateLocked() float64 {
	if len(c.history) == 0 {
		return 1
	}
	ok := 0
	for _, s := range c.history {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(c.history))
}

// Record registers the outcome of one backend call and returns the batch size to use next.
func (c *BatchController) Record(success bool) int {
	c.mu.Lock()
	old := c.size
	c.history = append(c.history, success)
	if len(c.history) > c.window {
		c.history = c.history[len(c.history)-c.window:]
	}
	if success {
		c.streak++
	} else {
		c.streak = 0
	}

	switch {
	case len(c.history) >= c.samples && c.rateLocked() < c.minRate:
		c.size = max(c.size/2, c.min)
		// A fresh window keeps one bad stretch from halving repeatedly.
		c.history = c.history[:0]
	case c.grow > 0 && c.streak >= c.grow && c.size < c.max:
		c.size = min(c.size+max(c.size/4, 1), c.max)
		c.streak = 0
	}
	size := c.size
	hook := c.onResize
	c.mu.Unlock()

	if hook != nil && size != old {
		hook(old, size)
	}
	return size
}
