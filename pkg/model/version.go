package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashLength is the number of bytes kept from each SHA-256 digest in the
// version hash chain.
const HashLength = 20

// HashedVersion is a version number paired with the chained hash of the
// history that produced it. Two histories that reach the same version number
// with the same hash are identical unless SHA-256 collides.
type HashedVersion struct {
	Version int64  `json:"version"`
	Hash    []byte `json:"hash"`
}

// Equal reports whether both the version number and the hash match.
func (v HashedVersion) Equal(o HashedVersion) bool {
	return v.Version == o.Version && bytes.Equal(v.Hash, o.Hash)
}

// IsSet reports whether v carries a hash. The zero value is unset.
func (v HashedVersion) IsSet() bool {
	return len(v.Hash) > 0
}

func (v HashedVersion) String() string {
	return fmt.Sprintf("%d:%s", v.Version, hex.EncodeToString(v.Hash))
}

// ZeroHashedVersion returns version 0 of the named wavelet. Its hash is
// derived from the wavelet name so histories of different wavelets never
// share a hash.
func ZeroHashedVersion(name WaveletName) HashedVersion {
	sum := sha256.Sum256([]byte("wave://" + name.String()))
	return HashedVersion{Version: 0, Hash: append([]byte(nil), sum[:HashLength]...)}
}

// NextHashedVersion chains the applied-delta bytes onto prev. The result is
// a pure function of prev and the applied delta.
func NextHashedVersion(
	prev HashedVersion,
	appliedDelta []byte,
	opCount int,
) HashedVersion {
	h := sha256.New()
	h.Write(prev.Hash)
	h.Write(appliedDelta)
	sum := h.Sum(nil)
	return HashedVersion{
		Version: prev.Version + int64(opCount),
		Hash:    sum[:HashLength],
	}
}
