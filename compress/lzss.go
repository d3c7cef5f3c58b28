// compress/lzss.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package compress

import "fmt"

// The LZSS stream is a sequence of groups: one flag byte followed by up
// to eight tokens.  Bit i of the flags is set if token i is a
// back-reference (three bytes: offset high, offset low, length) and
// clear if it is a literal byte.  The final group may be partial; the
// decoder simply stops when the input runs out.
const (
	lzssWindowSize = 32767
	lzssMinMatch   = 4
	lzssMaxMatch   = 255

	// Hash chains for the three-byte rolling hash.
	lzssHashSize = 32768
	lzssMaxChain = 64
)

func lzssHash(a, b, c byte) uint32 {
	return (uint32(a)<<10 ^ uint32(b)<<5 ^ uint32(c)) & (lzssHashSize - 1)
}

// lzssEncoder carries the match-finder state: head[h] is the most recent
// position with hash h, prev[p] the previous position with the same hash
// as p.  Both use -1 as the empty sentinel.
type lzssEncoder struct {
	src  []byte
	head [lzssHashSize]int32
	prev []int32

	out    []byte
	flags  byte
	nTok   int
	tokens []byte
}

func lzssEncode(src []byte) []byte {
	e := &lzssEncoder{
		src:    src,
		prev:   make([]int32, len(src)),
		out:    make([]byte, 0, len(src)/2+16),
		tokens: make([]byte, 0, 8*3),
	}
	for i := range e.head {
		e.head[i] = -1
	}

	for pos := 0; pos < len(src); {
		e.insert(pos)
		length, dist := e.findMatch(pos)
		if length >= lzssMinMatch {
			e.addReference(dist, length)
			// Index the positions the match covers so later matches can
			// still find them.
			for p := pos + 1; p < pos+length; p++ {
				e.insert(p)
			}
			pos += length
		} else {
			e.addLiteral(src[pos])
			pos++
		}
	}
	e.flushGroup()
	return e.out
}

func (e *lzssEncoder) insert(pos int) {
	if pos+2 >= len(e.src) {
		return
	}
	h := lzssHash(e.src[pos], e.src[pos+1], e.src[pos+2])
	e.prev[pos] = e.head[h]
	e.head[h] = int32(pos)
}

// findMatch walks the hash chain for the current position, bounded to
// lzssMaxChain nodes and the sliding window, and returns the longest
// match found.
func (e *lzssEncoder) findMatch(pos int) (length, dist int) {
	if pos+2 >= len(e.src) {
		return 0, 0
	}

	limit := len(e.src) - pos
	if limit > lzssMaxMatch {
		limit = lzssMaxMatch
	}

	// The chain starts at the previous position with this hash; insert()
	// has already pushed pos itself.
	cand := e.prev[pos]
	for steps := 0; cand >= 0 && steps < lzssMaxChain; steps++ {
		d := pos - int(cand)
		if d > lzssWindowSize {
			break
		}

		n := 0
		for n < limit && e.src[int(cand)+n] == e.src[pos+n] {
			n++
		}
		if n > length {
			length, dist = n, d
			if length == limit {
				break
			}
		}
		cand = e.prev[cand]
	}
	return length, dist
}

func (e *lzssEncoder) addLiteral(b byte) {
	e.tokens = append(e.tokens, b)
	e.nTok++
	if e.nTok == 8 {
		e.flushGroup()
	}
}

func (e *lzssEncoder) addReference(dist, length int) {
	e.flags |= 1 << uint(e.nTok)
	e.tokens = append(e.tokens, byte(dist>>8), byte(dist), byte(length))
	e.nTok++
	if e.nTok == 8 {
		e.flushGroup()
	}
}

func (e *lzssEncoder) flushGroup() {
	if e.nTok == 0 {
		return
	}
	e.out = append(e.out, e.flags)
	e.out = append(e.out, e.tokens...)
	e.flags = 0
	e.nTok = 0
	e.tokens = e.tokens[:0]
}

func lzssDecode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src)*2)

	pos := 0
	for pos < len(src) {
		flags := src[pos]
		pos++

		for i := 0; i < 8; i++ {
			if pos >= len(src) {
				break
			}
			if flags&(1<<uint(i)) == 0 {
				out = append(out, src[pos])
				pos++
				continue
			}

			if pos+3 > len(src) {
				return nil, fmt.Errorf("truncated lzss reference: %w", ErrBadStream)
			}
			offset := int(src[pos])<<8 | int(src[pos+1])
			length := int(src[pos+2])
			pos += 3

			if offset == 0 || offset > len(out) {
				return nil, fmt.Errorf("lzss reference out of range: %w", ErrBadStream)
			}
			// Copy byte by byte: the source range may overlap the write
			// position (run-length style references).
			start := len(out) - offset
			for j := 0; j < length; j++ {
				out = append(out, out[start+j])
			}
		}
	}
	return out, nil
}
