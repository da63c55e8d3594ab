package metrics

import "math"

// ControlEffort averages the absolute output change between consecutive
// active ticks of one loop.
type ControlEffort struct {
	last    float64
	primed  bool
	sum     float64
	samples int
}

func (c *ControlEffort) Observe(output float64, active bool) {
	if !active || math.IsNaN(output) {
		c.primed = false
		return
	}
	if c.primed {
		c.sum += math.Abs(output - c.last)
		c.samples++
	}
	c.last = output
	c.primed = true
}

func (c *ControlEffort) Value() float64 {
	if c.samples == 0 {
		return 0
	}
	return c.sum / float64(c.samples)
}

func (c *ControlEffort) Reset() {
	*c = ControlEffort{}
}
