package ledger

import (
	"crypto/sha256"
	"encoding/hex"
)

// AuditRoot builds a Merkle root over the given leaves. The reconciler
// stamps each run's report with the root of everything it sampled, so two
// operators comparing reports can detect a retroactively edited ledger
// without exchanging the rows themselves.
//
// Odd levels duplicate their last node. An empty leaf set has an empty root.
func AuditRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}

	level := make([]string, len(leaves))
	for i, leaf := range leaves {
		level[i] = hashHex(leaf)
	}

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashHex(left+right))
		}
		level = next
	}
	return level[0]
}

func hashHex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
