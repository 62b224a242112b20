package ledger

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// MerkleRoot calcula a raiz keccak256 sobre os hashes de transação do bloco.
// Níveis ímpares duplicam o último nó.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return "0x" + hex.EncodeToString(keccak())
	}
	layer := append([]string(nil), leaves...)
	for len(layer) > 1 {
		next := make([]string, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			left := layer[i]
			right := left
			if i+1 < len(layer) {
				right = layer[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		layer = next
	}
	return layer[0]
}

func hashPair(a, b string) string {
	return "0x" + hex.EncodeToString(keccak([]byte(a), []byte(b)))
}

func keccak(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
