package cluster

import (
	"github.com/zeebo/xxh3"
)

// pickNode selects the placement node for an identity by rendezvous hashing:
// every live node scores xxh3(identity | node) and the highest score wins.
// Membership changes only move the identities whose winner changed, so
// rebalance is incremental and needs no coordination.
func pickNode(identity string, nodes []NodeRecord) (NodeRecord, bool) {
	var (
		best      NodeRecord
		bestScore uint64
		found     bool
	)
	for _, n := range nodes {
		score := xxh3.HashString(identity + "|" + string(n.ID))
		if !found || score > bestScore || (score == bestScore && n.ID > best.ID) {
			best, bestScore, found = n, score, true
		}
	}
	return best, found
}
