// Package vcrypto implements the crypto pipeline: the
// two-stage KDF, per-cell AES-256-GCM block encryption, and the digest
// helpers used to fingerprint content. Built on crypto/aes + crypto/cipher
// GCM for the block cipher, with golang.org/x/crypto/pbkdf2 and
// golang.org/x/crypto/scrypt for the two-stage KDF.
package vcrypto

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/voluta-fs/voluta/pkg/verrors"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	// IVSize is the GCM nonce size used for every per-cell seal.
	IVSize = 12
	// KeySize is the AES-256 key size.
	KeySize = 32
	// TagSize is the GCM authentication tag size appended per cell.
	TagSize = 16

	pbkdf2Iterations = 100000
	scryptN           = 1 << 15
	scryptR           = 8
	scryptP           = 1
)

// IV is a per-block or per-AG-slot nonce seed.
type IV [IVSize]byte

// Key is an AES-256 key.
type Key [KeySize]byte

// IVKeyPair bundles the (IV, key) pair used throughout the three-level key
// hierarchy: a super-block slot decrypts a uspace-map, a
// uspace-map slot decrypts an agroup-map, an agroup-map bkref decrypts a
// block.
type IVKeyPair struct {
	IV  IV
	Key Key
}

// KDF derives (iv, key) from a passphrase and salt: SHA-512 the salt, then
// PBKDF2-SHA256 for the IV and scrypt for the key. Every
// failure maps to the single verrors.ErrCrypto kind.
func KDF(passphrase, salt []byte) (IV, Key, error) {
	var iv IV
	var key Key

	saltDigest := sha512.Sum512(salt)

	ivBytes := pbkdf2.Key(passphrase, saltDigest[:], pbkdf2Iterations, IVSize, sha256.New)
	copy(iv[:], ivBytes)

	keyBytes, err := scrypt.Key(passphrase, saltDigest[:], scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return iv, key, verrors.Wrapf(verrors.ErrCrypto, "kdf: scrypt: %v", err)
	}
	copy(key[:], keyBytes)

	return iv, key, nil
}

// RandomIV returns a cryptographically random IV, used when formatting a
// fresh super-block, uspace-map or agroup-map slot.
func RandomIV() (IV, error) {
	var iv IV
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return iv, verrors.Wrapf(verrors.ErrCrypto, "random iv: %v", err)
	}
	return iv, nil
}

// RandomKey returns a cryptographically random AES-256 key.
func RandomKey() (Key, error) {
	var key Key
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, verrors.Wrapf(verrors.ErrCrypto, "random key: %v", err)
	}
	return key, nil
}

// RandomPassphrase returns an ASCII passphrase of n bytes drawn from
// cryptographic entropy, suitable for automated formatting flows.
func RandomPassphrase(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", verrors.Wrapf(verrors.ErrCrypto, "random passphrase: %v", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

// cellNonce derives a unique 12-byte GCM nonce for cell index idx within a
// block keyed by iv, so every cell in the block gets an independent seal
// even though the cipher is constructed once per block.
func cellNonce(iv IV, idx int) [IVSize]byte {
	var n [IVSize]byte
	copy(n[:], iv[:])
	var idxBytes [8]byte
	binary.LittleEndian.PutUint64(idxBytes[:], uint64(idx))
	for i := 0; i < 8; i++ {
		n[IVSize-8+i] ^= idxBytes[i]
	}
	return n
}

// EncryptBlock AES-256-GCM seals plain in cellSize-sized sub-buffers,
// keying and constructing the cipher once for the whole block and sealing
// each cell with its own derived nonce. Returns ciphertext the same length
// as plain, followed by one TagSize-byte tag per cell (physical size =
// len(plain) + (len(plain)/cellSize)*TagSize).
func EncryptBlock(iv IV, key Key, plain []byte, cellSize int) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(plain)%cellSize != 0 {
		return nil, verrors.Wrapf(verrors.ErrInvalidArgument, "encrypt_block: %d not a multiple of cell size %d", len(plain), cellSize)
	}
	ncells := len(plain) / cellSize
	out := make([]byte, len(plain)+ncells*TagSize)
	for i := 0; i < ncells; i++ {
		nonce := cellNonce(iv, i)
		cell := plain[i*cellSize : (i+1)*cellSize]
		sealed := gcm.Seal(nil, nonce[:], cell, nil)
		copy(out[i*cellSize:(i+1)*cellSize], sealed[:cellSize])
		copy(out[len(plain)+i*TagSize:len(plain)+(i+1)*TagSize], sealed[cellSize:])
	}
	return out, nil
}

// DecryptBlock reverses EncryptBlock. A tag mismatch on any cell maps to
// verrors.ErrCorrupted ("filesystem corrupted", GCM tag mismatch per
// a tampering scenario) rather than verrors.ErrCrypto, since it signals
// tampered or stale ciphertext rather than a KDF/cipher-construction
// failure.
func DecryptBlock(iv IV, key Key, cipherBlock []byte, cellSize int) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plainLen := len(cipherBlock) * cellSize / (cellSize + TagSize)
	if plainLen%cellSize != 0 || plainLen+(plainLen/cellSize)*TagSize != len(cipherBlock) {
		return nil, verrors.Wrapf(verrors.ErrCorrupted, "decrypt_block: malformed physical block size %d", len(cipherBlock))
	}
	ncells := plainLen / cellSize
	out := make([]byte, plainLen)
	for i := 0; i < ncells; i++ {
		nonce := cellNonce(iv, i)
		sealed := make([]byte, 0, cellSize+TagSize)
		sealed = append(sealed, cipherBlock[i*cellSize:(i+1)*cellSize]...)
		sealed = append(sealed, cipherBlock[plainLen+i*TagSize:plainLen+(i+1)*TagSize]...)
		cell, err := gcm.Open(nil, nonce[:], sealed, nil)
		if err != nil {
			return nil, verrors.Wrapf(verrors.ErrCorrupted, "decrypt_block: cell %d: gcm tag mismatch: %v", i, err)
		}
		copy(out[i*cellSize:(i+1)*cellSize], cell)
	}
	return out, nil
}

// PhysicalSize returns the on-disk footprint of a logical block of size
// logicalSize encrypted in cells of cellSize.
func PhysicalSize(logicalSize, cellSize int) int {
	return logicalSize + (logicalSize/cellSize)*TagSize
}

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, verrors.Wrapf(verrors.ErrCrypto, "aes.NewCipher: %v", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, verrors.Wrapf(verrors.ErrCrypto, "cipher.NewGCM: %v", err)
	}
	return gcm, nil
}

// SHA256 returns the SHA-256 digest of buf.
func SHA256(buf []byte) [32]byte {
	return sha256.Sum256(buf)
}

// SHA512 returns the SHA-512 digest of buf.
func SHA512(buf []byte) [64]byte {
	return sha512.Sum512(buf)
}

// CRC32 returns the IEEE CRC32 of buf.
func CRC32(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}
