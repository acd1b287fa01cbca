package crypto

import (
	"crypto/sha256"
)

// SHA256 returns the SHA256 hash of the data.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	hash := hasher.Sum(nil)
	return hash
}

// SimpleHashFromTwoHashes returns the SHA256 hash of the concatenation of left
// and right data.
func SimpleHashFromTwoHashes(left []byte, right []byte) []byte {
	var hasher = sha256.New()
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}

// MerkleRoot computes the root of a binary hash tree built over the SHA256
// hashes of items. An odd node at any level is promoted unchanged. The root of
// an empty list is the hash of nothing.
func MerkleRoot(items [][]byte) []byte {
	if len(items) == 0 {
		return SHA256(nil)
	}

	level := make([][]byte, len(items))
	for i, it := range items {
		level[i] = SHA256(it)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, SimpleHashFromTwoHashes(level[i], level[i+1]))
		}
		level = next
	}

	return level[0]
}
