package payments

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DeriveIdempotencyKey builds a deposit key for clients that send none. Two
// deposits for the same job, payer and amount inside one window share a key,
// so a double-submitted form charges once.
func DeriveIdempotencyKey(jobID, payerID uint, amount decimal.Decimal, window time.Duration, at time.Time) string {
	var bucket int64
	if window > 0 {
		bucket = at.UnixNano() / int64(window)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s|%d", jobID, payerID, amount.StringFixed(MinorUnitPlaces), bucket)))
	return "dep_" + hex.EncodeToString(sum[:16])
}
