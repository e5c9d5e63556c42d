// Package idgen produces collision-resistant issue identifiers without
// coordination between writers.
//
// Identifiers are derived from a keyed hash over writer-local entropy
// (writer id, creation timestamp, title, random bytes, nonce) encoded in
// base36 and truncated to a progressive length: short ids for small
// stores, growing as the store grows so the birthday-bound collision
// probability N²/(2·36^L) stays below ~1e-6 at each tier.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

// Length tiers. Counts include tombstoned ids: a dead id still occupies
// its slot for the lifetime of the store.
const (
	tierSmall  = 500  // below this, 4 characters
	tierMedium = 1500 // below this, 5 characters

	minLength = 4
	maxLength = 8

	// noncesPerLength bounds the retries at each length before growing.
	noncesPerLength = 10
)

// Generator allocates issue ids for a single writer.
type Generator struct {
	prefix string
	key    [32]byte
}

// New creates a Generator. The prefix (without trailing dash) is prepended
// to every id; writerID keys the hash so two writers hashing identical
// content still diverge.
func New(prefix, writerID string) *Generator {
	return &Generator{
		prefix: prefix,
		key:    blake3.Sum256([]byte("skein-idgen:" + writerID)),
	}
}

// LengthFor returns the id length tier for a store with n known ids.
func LengthFor(n int) int {
	switch {
	case n < tierSmall:
		return minLength
	case n < tierMedium:
		return minLength + 1
	default:
		return minLength + 2
	}
}

// Allocate produces a fresh id that does not collide with any id in
// existing. The existing set must include tombstoned ids so they are
// never reused. Fails only if every candidate up to the maximum length
// is taken, which indicates a corrupted store rather than bad luck.
func (g *Generator) Allocate(existing map[string]bool, title string, createdAt time.Time) (string, error) {
	baseLength := LengthFor(len(existing))

	var entropy [8]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return "", fmt.Errorf("failed to read entropy: %w", err)
	}

	for length := baseLength; length <= maxLength; length++ {
		for nonce := 0; nonce < noncesPerLength; nonce++ {
			candidate := g.hashID(title, createdAt, entropy, nonce, length)
			if !existing[candidate] {
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("failed to allocate id after trying lengths %d-%d with %d nonces each", baseLength, maxLength, noncesPerLength)
}

// Derive produces a deterministic id from seed material, used by the merge
// resolver to reallocate one side of an id collision: both repositories
// derive the identical replacement without coordinating. taken reports
// whether a candidate is already in use on either side.
func Derive(prefix, seed string, n int, taken func(string) bool) (string, error) {
	baseLength := LengthFor(n)
	key := blake3.Sum256([]byte("skein-idgen:derive"))

	for length := baseLength; length <= maxLength; length++ {
		for nonce := 0; nonce < noncesPerLength; nonce++ {
			h := blake3.New(16, key[:])
			h.Write([]byte(seed))
			var buf [4]byte
			binary.BigEndian.PutUint32(buf[:], uint32(nonce))
			h.Write(buf[:])
			candidate := withPrefix(prefix, base36(h.Sum(nil), length))
			if !taken(candidate) {
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("failed to derive replacement id from seed")
}

func (g *Generator) hashID(title string, createdAt time.Time, entropy [8]byte, nonce, length int) string {
	h := blake3.New(16, g.key[:])
	h.Write([]byte(title))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(createdAt.UnixNano()))
	h.Write(buf[:])
	h.Write(entropy[:])
	binary.BigEndian.PutUint32(buf[:4], uint32(nonce))
	h.Write(buf[:4])
	return withPrefix(g.prefix, base36(h.Sum(nil), length))
}

// base36 encodes hash bytes as lowercase base36 (0-9, a-z) and truncates
// to length characters, left-padding with '0' for short encodings.
func base36(sum []byte, length int) string {
	var n big.Int
	n.SetBytes(sum)
	s := n.Text(36)
	if len(s) < length {
		s = strings.Repeat("0", length-len(s)) + s
	}
	return s[:length]
}

func withPrefix(prefix, hash string) string {
	if prefix == "" {
		return hash
	}
	return prefix + "-" + hash
}
