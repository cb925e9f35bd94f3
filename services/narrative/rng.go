package narrative

import "unicode/utf16"

// SeedFromString hashes s into a 32-bit seed: seed = seed*31 + unit, over
// the UTF-16 code units of s, wrapping at 2^32.
func SeedFromString(s string) uint32 {
	var seed uint32
	for _, u := range utf16.Encode([]rune(s)) {
		seed = seed*31 + uint32(u)
	}
	return seed
}

// XorShift32 is a small deterministic PRNG. The same seed always yields
// the same sequence, so synthetic series are stable per slug.
type XorShift32 struct {
	state uint32
}

// NewXorShift32 seeds a generator. A zero seed yields only zeros.
func NewXorShift32(seed uint32) *XorShift32 {
	return &XorShift32{state: seed}
}

// Next advances the generator and returns the new state.
// The middle step shifts the signed view of the state, which keeps
// series identical to those already rendered by existing clients.
func (x *XorShift32) Next() uint32 {
	s := x.state
	s ^= s << 13
	s ^= uint32(int32(s) >> 17)
	s ^= s << 5
	x.state = s
	return s
}

// Float64 returns the next value scaled into [0, 1)
func (x *XorShift32) Float64() float64 {
	return float64(x.Next()) / 4294967296
}
