package cinet

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/blowfish"
)

// DeriveKey expands a device passphrase into the 32-bit Blowfish key used by
// the beacon firmware: a rotate-xor fold over the passphrase bytes.
// Passphrases are not hashed or salted; two devices sharing a passphrase
// share a key schedule.
func DeriveKey(passphrase string) []byte {
	var k uint32
	for i := 0; i < len(passphrase); i++ {
		k = (k<<5 | k>>27) ^ uint32(passphrase[i])
	}
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, k)
	return key
}

// Cipher is an immutable Blowfish key schedule with ECB helpers for the
// fixed-size encrypted region of a frame. Safe for concurrent use once
// constructed.
type Cipher struct {
	block *blowfish.Cipher
}

// NewCipher derives the key schedule for a passphrase.
func NewCipher(passphrase string) (*Cipher, error) {
	block, err := blowfish.NewCipher(DeriveKey(passphrase))
	if err != nil {
		return nil, fmt.Errorf("cinet: cipher init: %w", err)
	}
	return &Cipher{block: block}, nil
}

// Decrypt decrypts src block by block (ECB). len(src) must be a multiple of
// the 8-byte Blowfish block size; a ciNet payload is always 96 bytes.
func (c *Cipher) Decrypt(src []byte) ([]byte, error) {
	if len(src)%blowfish.BlockSize != 0 {
		return nil, fmt.Errorf("cinet: ciphertext length %d is not a multiple of block size %d", len(src), blowfish.BlockSize)
	}
	dst := make([]byte, len(src))
	for i := 0; i < len(src); i += blowfish.BlockSize {
		c.block.Decrypt(dst[i:i+blowfish.BlockSize], src[i:i+blowfish.BlockSize])
	}
	return dst, nil
}

// Encrypt is the inverse of Decrypt. The server never encrypts on the ingest
// path; this exists for the reference encoder and tooling.
func (c *Cipher) Encrypt(src []byte) ([]byte, error) {
	if len(src)%blowfish.BlockSize != 0 {
		return nil, fmt.Errorf("cinet: plaintext length %d is not a multiple of block size %d", len(src), blowfish.BlockSize)
	}
	dst := make([]byte, len(src))
	for i := 0; i < len(src); i += blowfish.BlockSize {
		c.block.Encrypt(dst[i:i+blowfish.BlockSize], src[i:i+blowfish.BlockSize])
	}
	return dst, nil
}

// CipherCache memoizes key schedules per passphrase. Entries live for the
// process lifetime, bounded by the number of distinct registered devices.
type CipherCache struct {
	mu      sync.RWMutex
	ciphers map[string]*Cipher
}

func NewCipherCache() *CipherCache {
	return &CipherCache{ciphers: make(map[string]*Cipher)}
}

// Get returns the cached cipher for a passphrase, deriving it on first use.
func (cc *CipherCache) Get(passphrase string) (*Cipher, error) {
	cc.mu.RLock()
	c, ok := cc.ciphers[passphrase]
	cc.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := NewCipher(passphrase)
	if err != nil {
		return nil, err
	}
	cc.mu.Lock()
	if existing, ok := cc.ciphers[passphrase]; ok {
		c = existing
	} else {
		cc.ciphers[passphrase] = c
	}
	cc.mu.Unlock()
	return c, nil
}

// Len reports the number of cached schedules.
func (cc *CipherCache) Len() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.ciphers)
}
