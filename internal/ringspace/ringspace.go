// Package ringspace implements the modular identifier space that node
// addresses and keys are hashed into, plus the circular range algebra used
// throughout ring routing.
//
// Everything here operates on plain ints in [0, 2^m). Callers own m; this
// package never assumes a default. Identifiers are Go ints, so m must stay
// at or below 62; wider rings (such as the full 160-bit SHA-1 width) do
// not fit.
package ringspace

import (
	"crypto/sha1"
	"math/big"
)

// HashAddress hashes a node address ("host:port") into the m-bit identifier
// space. A node's id is the hash of its own dial address.
func HashAddress(address string, m uint) int {
	return hashMod(address, m)
}

// HashKey hashes a key into the m-bit identifier space.
func HashKey(key string, m uint) int {
	return hashMod(key, m)
}

func hashMod(s string, m uint) int {
	sum := sha1.Sum([]byte(s))
	var n big.Int
	n.SetBytes(sum[:])

	mod := new(big.Int).Lsh(big.NewInt(1), m)
	n.Mod(&n, mod)
	return int(n.Int64())
}

// InArc reports whether x lies in the arc walking clockwise from a to b,
// with independently selectable inclusivity at each end.
//
// When a == b the arc covers the whole circle and InArc always returns
// true. Otherwise the comparison is done modulo 2^m: if a < b this is
// a plain interval, if a > b the arc wraps through zero.
func InArc(x, a, b int, incStart, incEnd bool) bool {
	if a == b {
		return true
	}

	if a < b {
		switch {
		case incStart && incEnd:
			return a <= x && x <= b
		case incStart && !incEnd:
			return a <= x && x < b
		case !incStart && incEnd:
			return a < x && x <= b
		default:
			return a < x && x < b
		}
	}

	// Wraparound: a > b.
	switch {
	case incStart && incEnd:
		return x >= a || x <= b
	case incStart && !incEnd:
		return x >= a || x < b
	case !incStart && incEnd:
		return x > a || x <= b
	default:
		return x > a || x < b
	}
}
