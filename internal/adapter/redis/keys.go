package redis

import (
	"fmt"
	"strconv"
)

// Items live in one logical table addressed by (partition key, sort key). Each item is
// a hash at tally:{pk}:sk and every partition keeps a lexicographic index of its sort
// keys at tally:{pk}. The braces make one organization hash to one cluster slot.
const (
	skMeta = "META"

	pollIndexKey = "tally:{index}:polls"
)

func partitionKey(orgID string) string {
	return "tally:{ORG#" + orgID + "}"
}

func itemKey(orgID, sk string) string {
	return partitionKey(orgID) + ":" + sk
}

func chatIndexKey(chatID int64) string {
	return "tally:{index}:chat:" + strconv.FormatInt(chatID, 10)
}

func pollSK(pollID string) string { return "POLL#" + pollID }
func aggSK(pollID string) string  { return "AGG#" + pollID }

func voterPrefix(pollID string) string { return "VOTER#" + pollID + "#" }

func voterSK(pollID, voterHash string) string { return voterPrefix(pollID) + voterHash }

func auditPrefix(pollID string) string { return "AUDIT#" + pollID + "#" }

// auditSK zero-pads seq so lexicographic order is numeric order.
func auditSK(pollID string, seq int64) string {
	return fmt.Sprintf("%s%010d", auditPrefix(pollID), seq)
}

// prefixRange returns ZRANGEBYLEX bounds covering every member that starts with prefix.
func prefixRange(prefix string) (lo, hi string) {
	return "[" + prefix, "[" + prefix + "\xff"
}
