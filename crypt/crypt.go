// crypt/crypt.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package crypt encrypts backup artifacts with AES-256-CBC and PKCS#7
// padding.  The key and IV are derived from the password with PBKDF2
// over fixed salts, so a given password always produces the same
// (key, IV) pair and artifacts are reproducible.  The scheme provides
// confidentiality only: no authentication, and no semantic security
// across artifacts that reuse a password.

package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

var ErrBadPadding = errors.New("bad padding; wrong password or corrupt data")

const (
	keySalt = "BackupSystemSalt"
	// A distinct salt for the IV avoids a key/IV pair that repeats
	// another derivation's output.
	ivSalt     = "BackupSystemIV"
	iterations = 10000
)

// Encryptor holds the key material derived from one password.
type Encryptor struct {
	block cipher.Block
	iv    [aes.BlockSize]byte
}

// New derives the AES-256 key and CBC IV from the password.
func New(password string) *Encryptor {
	key := pbkdf2.Key([]byte(password), []byte(keySalt), iterations, 32, sha256.New)
	iv := pbkdf2.Key([]byte(password), []byte(ivSalt), iterations, aes.BlockSize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		// Only reachable with a key of the wrong length.
		panic(err)
	}

	e := &Encryptor{block: block}
	copy(e.iv[:], iv)
	return e
}

// Encrypt returns the AES-256-CBC ciphertext of plain with PKCS#7
// padding applied; its length is always the next multiple of the block
// size strictly greater than len(plain).  Empty input yields empty
// output without touching the cipher.
func (e *Encryptor) Encrypt(plain []byte) []byte {
	if len(plain) == 0 {
		return nil
	}

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	buf := make([]byte, len(plain)+pad)
	copy(buf, plain)
	for i := len(plain); i < len(buf); i++ {
		buf[i] = byte(pad)
	}

	cipher.NewCBCEncrypter(e.block, e.iv[:]).CryptBlocks(buf, buf)
	return buf
}

// Decrypt reverses Encrypt.  It fails with ErrBadPadding when the final
// block does not carry valid PKCS#7 padding, which is what a wrong
// password or corrupt ciphertext looks like.
func (e *Encryptor) Decrypt(ct []byte) ([]byte, error) {
	if len(ct) == 0 {
		return nil, nil
	}
	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d: %w", len(ct), ErrBadPadding)
	}

	buf := make([]byte, len(ct))
	cipher.NewCBCDecrypter(e.block, e.iv[:]).CryptBlocks(buf, ct)

	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(buf) {
		return nil, ErrBadPadding
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, ErrBadPadding
		}
	}
	return buf[:len(buf)-pad], nil
}
