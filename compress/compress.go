// compress/compress.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package compress implements the reversible byte-stream coders used for
// backup artifacts: a Huffman coder, an LZSS coder, and their
// composition, framed by a chunked container that lets large inputs be
// coded in parallel across cores.

package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

type Algorithm byte

const (
	Huffman Algorithm = 0
	LZSS    Algorithm = 1
	// Joined applies LZSS and then Huffman-codes the result; it tends to
	// win on text-like inputs where both dictionaries help.
	Joined Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case Huffman:
		return "huffman"
	case LZSS:
		return "lzss"
	case Joined:
		return "joined"
	default:
		return fmt.Sprintf("algorithm(%d)", byte(a))
	}
}

var (
	ErrUnknownAlgorithm = errors.New("unknown compression algorithm")
	ErrBadStream        = errors.New("malformed compressed stream")
)

// Inputs of at least two chunks are coded with the parallel container;
// anything smaller goes out as a single stream.
const chunkSize = 8 << 20

// parallelMagic is the leading byte of the chunked container; it can
// never collide with an algorithm id.
const parallelMagic = 0xEE

// Compress encodes data with the given algorithm.  The output is
// self-describing: a leading algorithm id for a single stream, or the
// container header for the chunked form.
func Compress(data []byte, algo Algorithm) ([]byte, error) {
	if algo != Huffman && algo != LZSS && algo != Joined {
		return nil, fmt.Errorf("%d: %w", byte(algo), ErrUnknownAlgorithm)
	}

	if len(data) < 2*chunkSize {
		out := make([]byte, 1, 1+len(data)/2)
		out[0] = byte(algo)
		return append(out, encodeStream(data, algo)...), nil
	}

	nChunks := (len(data) + chunkSize - 1) / chunkSize
	chunks := make([][]byte, nChunks)

	// Workers pull chunk indices via atomic fetch-add; each owns its
	// output slot, so no locking is needed beyond the join.
	var next int64
	var wg sync.WaitGroup
	for i := 0; i < numWorkers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx := int(atomic.AddInt64(&next, 1) - 1)
				if idx >= nChunks {
					return
				}
				lo := idx * chunkSize
				hi := lo + chunkSize
				if hi > len(data) {
					hi = len(data)
				}
				chunks[idx] = encodeStream(data[lo:hi], algo)
			}
		}()
	}
	wg.Wait()

	out := make([]byte, 0, len(data)/2)
	out = append(out, parallelMagic, byte(algo))
	out = binary.LittleEndian.AppendUint32(out, uint32(nChunks))
	for _, c := range chunks {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(c)))
		out = append(out, c...)
	}
	return out, nil
}

// Decompress reverses Compress, dispatching on the leading byte.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty input: %w", ErrBadStream)
	}

	if data[0] != parallelMagic {
		algo := Algorithm(data[0])
		if algo != Huffman && algo != LZSS && algo != Joined {
			return nil, fmt.Errorf("%d: %w", data[0], ErrUnknownAlgorithm)
		}
		return decodeStream(data[1:], algo)
	}

	if len(data) < 6 {
		return nil, fmt.Errorf("truncated container header: %w", ErrBadStream)
	}
	algo := Algorithm(data[1])
	if algo != Huffman && algo != LZSS && algo != Joined {
		return nil, fmt.Errorf("%d: %w", data[1], ErrUnknownAlgorithm)
	}
	nChunks := int(binary.LittleEndian.Uint32(data[2:6]))

	chunks := make([][]byte, nChunks)
	off := 6
	for i := 0; i < nChunks; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("truncated chunk table: %w", ErrBadStream)
		}
		size := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+size > len(data) {
			return nil, fmt.Errorf("chunk %d overruns input: %w", i, ErrBadStream)
		}
		chunks[i] = data[off : off+size]
		off += size
	}

	decoded := make([][]byte, nChunks)
	errs := make([]error, nChunks)
	var next int64
	var wg sync.WaitGroup
	for i := 0; i < numWorkers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx := int(atomic.AddInt64(&next, 1) - 1)
				if idx >= nChunks {
					return
				}
				decoded[idx], errs[idx] = decodeStream(chunks[idx], algo)
			}
		}()
	}
	wg.Wait()

	var total int
	for i := range decoded {
		if errs[i] != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, errs[i])
		}
		total += len(decoded[i])
	}

	out := make([]byte, 0, total)
	for _, d := range decoded {
		out = append(out, d...)
	}
	return out, nil
}

func encodeStream(data []byte, algo Algorithm) []byte {
	switch algo {
	case Huffman:
		return huffmanEncode(data)
	case LZSS:
		return lzssEncode(data)
	default:
		return huffmanEncode(lzssEncode(data))
	}
}

func decodeStream(data []byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case Huffman:
		return huffmanDecode(data)
	case LZSS:
		return lzssDecode(data)
	default:
		mid, err := huffmanDecode(data)
		if err != nil {
			return nil, err
		}
		return lzssDecode(mid)
	}
}

func numWorkers() int {
	if n := runtime.NumCPU(); n > 2 {
		return n
	}
	return 2
}
