package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// IdempotencyKey derives the exchange orderLinkId for one user acting on one
// signal. It is stable across retries and restarts and fits the exchange's
// 36 character limit.
func IdempotencyKey(userID int64, signalID string) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(userID, 10) + "|" + signalID))
	return "ol" + hex.EncodeToString(sum[:])[:30]
}
