package concurrent

// bitLen returns log2(size) for a power-of-two size, the number of hash
// bits one level of a size-wide array consumes.
func bitLen(size int) uint {
	n := uint(0)
	for (1 << n) < size {
		n++
	}
	return n
}

// remix produces a fresh 64-bit value from a hash once a walk has consumed
// every bit of the original — a splitmix64-style finalizer keyed on the
// total depth reached so every thread walking to the same depth rederives
// the same bits. Needed only once a path runs deeper than 64 bits of
// fan-out, which at HeadSize=256/ChildSize=16 means past roughly a dozen
// levels of pure hash collision.
func remix(h uint64, salt uint64) uint64 {
	h ^= salt + 0x9E3779B97F4A7C15
	h ^= h >> 30
	h *= 0xBF58476D1CE4E5B9
	h ^= h >> 27
	h *= 0x94D049BB133111EB
	h ^= h >> 31
	return h
}
