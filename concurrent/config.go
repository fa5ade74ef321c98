package concurrent

import "concurrent/hazard"

// Config bundles the tuning knobs for a Map or Set: the root and non-root
// array fan-outs, the contention threshold that forces cooperative
// expansion, and the embedded hazard-pointer manager configuration.
type Config struct {
	// HeadSize is the fan-out of the root array. Must be a power of two.
	HeadSize int

	// ChildSize is the fan-out of every non-root array node. Must be a
	// power of two.
	ChildSize int

	// MaxFailures is the number of times a thread will retry an Insert or
	// Update against a single contended cell before marking that cell for
	// expansion instead of retrying indefinitely.
	MaxFailures int

	Hazard hazard.Config
}

// DefaultConfig returns the configuration the reference design uses
// throughout: a 256-way root, 16-way non-root arrays, a contention
// threshold of 10 failed CAS attempts, and the hazard manager defaults.
func DefaultConfig() Config {
	return Config{
		HeadSize:    256,
		ChildSize:   16,
		MaxFailures: 10,
		Hazard:      hazard.DefaultConfig(),
	}
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeadSize == 0 {
		c.HeadSize = d.HeadSize
	}
	if c.ChildSize == 0 {
		c.ChildSize = d.ChildSize
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = d.MaxFailures
	}
	if !isPowerOfTwo(c.HeadSize) {
		panic("concurrent: HeadSize must be a power of two")
	}
	if !isPowerOfTwo(c.ChildSize) {
		panic("concurrent: ChildSize must be a power of two")
	}
	return c
}
