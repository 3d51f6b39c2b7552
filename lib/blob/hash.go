// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is the 32-byte BLAKE3 keyed digest that addresses a blob.
type Hash [32]byte

type domainKey [32]byte

// Domain keys are protocol constants: changing one invalidates every
// stored hash in that domain.
var (
	blobDomainKey = domainKey{
		'f', 'o', 'r', 'e', 'm', 'a', 'n', '.', 'b', 'l', 'o', 'b', 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	// keyNameDomainKey shards backend keys that are not already hashes.
	keyNameDomainKey = domainKey{
		'f', 'o', 'r', 'e', 'm', 'a', 'n', '.', 'k', 'e', 'y', 'n', 'a', 'm', 'e', 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashData computes the blob-domain hash of data. Only the payload is
// hashed: two blobs with equal data and different reference lists
// share an id, and the first write wins.
func HashData(data []byte) Hash {
	return keyedHash(blobDomainKey, data)
}

func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed only fails for a key that is not 32 bytes.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("blob: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash, which never addresses a blob.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 64-character hex string.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing blob hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("blob hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}
