package shm

// maxArenaChunk caps chunk doubling; larger single payloads still get a
// chunk of their own size.
const maxArenaChunk = 64 << 20

// arena hands out scratch copies for queued writes. Slices handed out stay
// valid until reset; a chunk that runs out is replaced, not reused, so
// earlier slices keep their backing array.
type arena struct {
	buf   []byte
	off   int
	chunk int
}

func newArena(chunk int) arena {
	return arena{chunk: chunk}
}

// alloc returns an n-byte slice with its capacity clipped to n.
func (a *arena) alloc(n int) []byte {
	need := align8(n)
	if len(a.buf)-a.off < need {
		size := a.chunk
		if a.buf != nil {
			size = min(2*len(a.buf), maxArenaChunk)
		}
		a.buf = make([]byte, max(size, need))
		a.off = 0
	}
	p := a.buf[a.off : a.off+n : a.off+n]
	a.off += need
	return p
}

// reset makes the current chunk reusable. Only valid once no queued entry
// references it.
func (a *arena) reset() {
	a.off = 0
}

func (a *arena) size() int {
	return len(a.buf)
}
