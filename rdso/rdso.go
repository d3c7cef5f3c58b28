// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package rdso protects backup artifacts against bit rot with
// Reed-Solomon parity, based on github.com/klauspost/reedsolomon.  For
// an artifact foo.bin it maintains a foo.bin.rs sidecar holding the
// parity shards plus per-block hashes of both data and parity; Check
// locates corrupt blocks and Repair reconstructs the original file from
// whatever survives.

package rdso

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	"github.com/mmp/ark/util"
	"golang.org/x/crypto/sha3"
)

var ErrCorrupt = errors.New("file does not match its recovery data")

// HashSize is the number of bytes of SHAKE256 output used to fingerprint
// each block.
const HashSize = 32

type Hash [HashSize]byte

func hashBlock(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// DefaultDataShards / DefaultParityShards suit artifacts in the tens of
// megabytes: ~18% overhead and any three damaged shards recoverable.
const (
	DefaultDataShards   = 17
	DefaultParityShards = 3
)

// hashRate is the granularity at which shard corruption is located.
const hashRate = 1 << 20

// sidecar is the gob-encoded content of a .rs file.
type sidecar struct {
	FileSize     int64
	NData        int
	NParity      int
	HashRate     int64
	Hashes       [][]Hash // data shards first, then parity
	ParityShards [][]byte
}

// WriteRecovery encodes the file at path and writes its recovery sidecar
// to rsPath.
func WriteRecovery(path, rsPath string, nData, nParity int) error {
	dataShards, fileSize, err := shardFile(path, nData)
	if err != nil {
		return err
	}

	sc := sidecar{
		FileSize: fileSize,
		NData:    nData,
		NParity:  nParity,
		HashRate: hashRate,
	}
	for i := 0; i < nParity; i++ {
		sc.ParityShards = append(sc.ParityShards, make([]byte, len(dataShards[0])))
	}

	enc, err := reedsolomon.New(nData, nParity)
	if err != nil {
		return err
	}
	if err := enc.Encode(append(append([][]byte{}, dataShards...), sc.ParityShards...)); err != nil {
		return err
	}

	for _, s := range dataShards {
		sc.Hashes = append(sc.Hashes, hashBlocks(s))
	}
	for _, s := range sc.ParityShards {
		sc.Hashes = append(sc.Hashes, hashBlocks(s))
	}

	f, err := os.Create(rsPath)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(sc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Check verifies the file at path against its sidecar.  It returns nil
// when every block hash matches and ErrCorrupt otherwise; individual
// mismatches are reported through log.
func Check(path, rsPath string, log *util.Logger) error {
	_, bad, err := scan(path, rsPath, log)
	if err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("%s: %d corrupt blocks: %w", path, bad, ErrCorrupt)
	}
	return nil
}

// Repair reconstructs a corrupt file from its sidecar and writes the
// result to path + ".recovered", returning that path.  If the file
// checks out clean, no output is written and the empty string is
// returned.
func Repair(path, rsPath string, log *util.Logger) (string, error) {
	st, bad, err := scan(path, rsPath, log)
	if err != nil {
		return "", err
	}
	if bad == 0 {
		return "", nil
	}

	enc, err := reedsolomon.New(st.sc.NData, st.sc.NParity)
	if err != nil {
		return "", err
	}

	nBlocks := len(st.blocks[0])
	for blk := 0; blk < nBlocks; blk++ {
		missing := 0
		group := make([][]byte, len(st.blocks))
		for s := range st.blocks {
			group[s] = st.blocks[s][blk]
			if group[s] == nil {
				missing++
			}
		}
		if missing > 0 {
			if err := enc.Reconstruct(group); err != nil {
				return "", fmt.Errorf("%s: %w", path, err)
			}
		}
		for s := 0; s < st.sc.NData; s++ {
			copy(st.dataShards[s][int64(blk)*st.sc.HashRate:], group[s])
		}
	}

	out := path + ".recovered"
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	w := &limitedWriter{w: f, n: st.sc.FileSize}
	for _, s := range st.dataShards {
		if _, err := w.Write(s); err != nil {
			f.Close()
			return "", err
		}
	}
	return out, f.Close()
}

type scanState struct {
	sc         sidecar
	dataShards [][]byte
	// blocks[shard][block] is nil where the stored hash did not match.
	blocks [][][]byte
}

func scan(path, rsPath string, log *util.Logger) (*scanState, int, error) {
	f, err := os.Open(rsPath)
	if err != nil {
		return nil, 0, err
	}
	var st scanState
	err = gob.NewDecoder(f).Decode(&st.sc)
	f.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", rsPath, err)
	}

	st.dataShards, _, err = shardFile(path, st.sc.NData)
	if err != nil {
		return nil, 0, err
	}

	for _, s := range st.dataShards {
		st.blocks = append(st.blocks, splitBlocks(s, st.sc.HashRate))
	}
	for _, s := range st.sc.ParityShards {
		st.blocks = append(st.blocks, splitBlocks(s, st.sc.HashRate))
	}

	bad := 0
	for s := range st.blocks {
		for blk := range st.blocks[s] {
			if hashBlock(st.blocks[s][blk]) != st.sc.Hashes[s][blk] {
				log.Warning("%s: shard %d block %d hash mismatch", path, s, blk)
				bad++
				st.blocks[s][blk] = nil
			}
		}
	}
	return &st, bad, nil
}

// shardFile reads the file and slices it into n equal shards, the last
// zero-padded.
func shardFile(path string, n int) ([][]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := fi.Size()

	shardSize := (size + int64(n) - 1) / int64(n)
	buf := make([]byte, int64(n)*shardSize)
	if _, err := io.ReadFull(f, buf[:size]); err != nil {
		return nil, 0, err
	}

	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = buf[int64(i)*shardSize : int64(i+1)*shardSize]
	}
	return shards, size, nil
}

func splitBlocks(s []byte, rate int64) [][]byte {
	var blocks [][]byte
	for int64(len(s)) > rate {
		blocks = append(blocks, s[:rate])
		s = s[rate:]
	}
	return append(blocks, s)
}

func hashBlocks(s []byte) []Hash {
	var hashes []Hash
	for _, b := range splitBlocks(s, hashRate) {
		hashes = append(hashes, hashBlock(b))
	}
	return hashes
}

type limitedWriter struct {
	w io.Writer
	n int64
}

func (w *limitedWriter) Write(b []byte) (int, error) {
	if int64(len(b)) > w.n {
		b = b[:w.n]
	}
	n, err := w.w.Write(b)
	w.n -= int64(n)
	return n, err
}
