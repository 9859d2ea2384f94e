package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// KeyHash is the deterministic identity of an ArtifactKey.
type KeyHash string

// String returns the string representation of the KeyHash.
func (h KeyHash) String() string {
	return string(h)
}

// ArtifactKey identifies one cached-or-computed step.
//
// Params holds every option that changes the step's outputs (highpass
// setting, registration name, backend). Two keys that differ only in Params
// never share a cache entry, even when their output paths collide.
type ArtifactKey struct {
	Stage  string
	RunID  string
	Params map[string]string
}

// KeyHasher computes deterministic hashes for artifact keys.
//
// The hash is:
//   - Deterministic: identical keys always produce identical hashes
//   - Ordered: params are sorted before hashing
//   - Unambiguous: every field is length-prefixed
type KeyHasher struct{}

// NewKeyHasher creates a new KeyHasher.
func NewKeyHasher() *KeyHasher {
	return &KeyHasher{}
}

// ComputeHash hashes, in order:
//  1. Stage
//  2. Run id
//  3. Param count, then sorted key=value pairs
//  4. Sorted output paths
func (h *KeyHasher) ComputeHash(key ArtifactKey, outputs []string) KeyHash {
	hasher := sha256.New()

	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		hasher.Write(length[:])
		hasher.Write(data)
	}
	writeCount := func(n int) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		writeField(b[:])
	}

	writeField([]byte(key.Stage))
	writeField([]byte(key.RunID))

	keys := make([]string, 0, len(key.Params))
	for k := range key.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeCount(len(keys))
	for _, k := range keys {
		writeField([]byte(k))
		writeField([]byte(key.Params[k]))
	}

	sortedOutputs := make([]string, len(outputs))
	copy(sortedOutputs, outputs)
	sort.Strings(sortedOutputs)
	writeCount(len(sortedOutputs))
	for _, out := range sortedOutputs {
		writeField([]byte(out))
	}

	return KeyHash(hex.EncodeToString(hasher.Sum(nil)))
}
