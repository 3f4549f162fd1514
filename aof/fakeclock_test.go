package aof

// fakeClock is a manually-advanced Clock for deterministic fsync-policy
// and rate-limiter tests, grounded on the teacher's test_helpers.go
// style of small test-only fixtures living beside the tests they serve.
type fakeClock struct {
	ms  int64
	sec int64
}

func (c *fakeClock) NowMs() int64     { return c.ms }
func (c *fakeClock) NowUnixSec() int64 { return c.sec }

func (c *fakeClock) advance(ms int64) {
	c.ms += ms
	c.sec = c.ms / 1000
}
