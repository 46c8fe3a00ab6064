package convstore

// Counter is the global unread total. It is initialized by summation once per
// session and afterwards only moves by Increment, Release and Reset. It is not
// safe for concurrent use on its own; Store serializes access.
type Counter struct {
	value int
}

// Init sets the counter to the sum of per-conversation unread counts.
func (c *Counter) Init(counts ...int) {
	sum := 0
	for _, n := range counts {
		if n > 0 {
			sum += n
		}
	}
	c.value = sum
}

// Increment adds one for an inbound message not authored locally.
func (c *Counter) Increment() {
	c.value++
}

// Release subtracts k on mark-as-read. The counter never goes negative.
func (c *Counter) Release(k int) {
	if k <= 0 {
		return
	}
	c.value -= k
	if c.value < 0 {
		c.value = 0
	}
}

// Reset zeroes the counter on session teardown.
func (c *Counter) Reset() {
	c.value = 0
}

// Value returns the current total.
func (c *Counter) Value() int {
	return c.value
}
