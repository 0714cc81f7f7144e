package friction

// SeededRng yields uniform floats in [0, 1) from a deterministic sequence.
type SeededRng interface {
	Float64() float64
}

// Mulberry32 is a 32-bit state PRNG. Identical seeds produce identical sequences
// across platforms.
type Mulberry32 struct {
	state uint32
}

// NewMulberry32 seeds a Mulberry32 generator.
func NewMulberry32(seed uint32) *Mulberry32 {
	return &Mulberry32{state: seed}
}

// Float64 advances the generator and returns the next value.
func (m *Mulberry32) Float64() float64 {
	m.state += 0x6d2b79f5
	t := m.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return float64(t^(t>>14)) / 4294967296
}

// shuffledIndices returns 0..n-1 permuted by a descending Fisher-Yates pass.
func shuffledIndices(n int, rng SeededRng) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := int(rng.Float64() * float64(i+1))
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx
}
