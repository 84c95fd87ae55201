package crypto

// Zeroize overwrites b with zeros. Go gives no guarantee the GC has not
// already copied the slice's backing array, but wiping the live buffer keeps
// key material out of heap dumps for its usual lifetime.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
