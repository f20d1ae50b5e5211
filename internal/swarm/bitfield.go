package swarm

// Bitfield is a packed bit set recording which pieces a peer holds.
// Bit i, counted from the most significant bit of byte i/8, covers
// piece i.
type Bitfield []byte

// NewBitfield returns an empty bitfield sized for n pieces.
func NewBitfield(n int) Bitfield {
	return make(Bitfield, (n+7)/8)
}

// FullBitfield returns a bitfield with the first n bits set.
func FullBitfield(n int) Bitfield {
	b := NewBitfield(n)
	for i := 0; i < n; i++ {
		b.Set(i)
	}
	return b
}

// Has reports whether bit i is set. Out-of-range indexes read as unset.
func (b Bitfield) Has(i int) bool {
	if i < 0 || i/8 >= len(b) {
		return false
	}
	return b[i/8]&(1<<uint(7-i%8)) != 0
}

// Set marks bit i. Out-of-range indexes are ignored.
func (b Bitfield) Set(i int) {
	if i < 0 || i/8 >= len(b) {
		return
	}
	b[i/8] |= 1 << uint(7-i%8)
}

// Count returns the number of set bits.
func (b Bitfield) Count() int {
	n := 0
	for _, x := range b {
		for x != 0 {
			n += int(x & 1)
			x >>= 1
		}
	}
	return n
}

// Complete reports whether every one of the first n bits is set.
func (b Bitfield) Complete(n int) bool {
	for i := 0; i < n; i++ {
		if !b.Has(i) {
			return false
		}
	}
	return true
}
