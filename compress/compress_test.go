// compress/compress_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package compress

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"
)

func TestAllAlgorithmsRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(12345))
	in := make([]byte, 1<<20)
	rng.Read(in)

	for _, algo := range []Algorithm{Huffman, LZSS, Joined} {
		enc, err := Compress(in, algo)
		if err != nil {
			t.Errorf("%s: compress: %v", algo, err)
			continue
		}
		if enc[0] != byte(algo) {
			t.Errorf("%s: expected leading algorithm id %d, got %d",
				algo, byte(algo), enc[0])
		}
		dec, err := Decompress(enc)
		if err != nil {
			t.Errorf("%s: decompress: %v", algo, err)
			continue
		}
		if !bytes.Equal(in, dec) {
			t.Errorf("%s: round trip mismatch", algo)
		}
	}
}

func TestParallelContainer(t *testing.T) {
	// Two and a half chunks of compressible data, split into three chunks.
	in := bytes.Repeat([]byte("0123456789abcdef"), (2*chunkSize+chunkSize/2)/16)

	enc, err := Compress(in, LZSS)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if enc[0] != parallelMagic {
		t.Fatalf("expected container magic 0x%x, got 0x%x", parallelMagic, enc[0])
	}
	if enc[1] != byte(LZSS) {
		t.Errorf("container algorithm id is %d", enc[1])
	}
	if n := binary.LittleEndian.Uint32(enc[2:6]); n != 3 {
		t.Errorf("expected 3 chunks, got %d", n)
	}

	dec, err := Decompress(enc)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(in, dec) {
		t.Errorf("round trip mismatch: %d bytes in, %d out", len(in), len(dec))
	}
}

func TestSmallInputStaysSingleStream(t *testing.T) {
	in := make([]byte, 2*chunkSize-1)
	enc, err := Compress(in, Huffman)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if enc[0] != byte(Huffman) {
		t.Errorf("input below the chunking threshold used the container")
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	if _, err := Compress([]byte("x"), Algorithm(7)); err == nil {
		t.Errorf("compress with unknown algorithm did not fail")
	}
	if _, err := Decompress([]byte{7, 1, 2, 3}); err == nil {
		t.Errorf("decompress with unknown algorithm id did not fail")
	}
	if _, err := Decompress(nil); err == nil {
		t.Errorf("decompress of empty input did not fail")
	}
}

func TestCorruptContainer(t *testing.T) {
	in := make([]byte, 2*chunkSize)
	enc, err := Compress(in, Huffman)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	// Chunk count that overruns the input.
	bad := append([]byte(nil), enc...)
	binary.LittleEndian.PutUint32(bad[2:6], 1000)
	if _, err := Decompress(bad); err == nil {
		t.Errorf("corrupt chunk count did not fail")
	}

	if _, err := Decompress(enc[:5]); err == nil {
		t.Errorf("truncated container header did not fail")
	}
}
