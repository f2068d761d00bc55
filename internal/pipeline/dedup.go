package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"focus-pipeline/pkg/focus"
)

// NewLoadID mints the batch identifier stamped on every canonical row a
// run loads (the _dlt_load_id equivalent).
func NewLoadID(now time.Time) string {
	return fmt.Sprintf("%d.%s", now.UTC().Unix(), uuid.NewString()[:8])
}

// DedupID derives the deterministic row identity (_dlt_id equivalent) from
// the record's natural key: owning provider, source charge identity and
// charge period. Identical raw records always hash to the same id, which
// is what makes overlapping re-extraction loads idempotent.
func DedupID(record *focus.Record) string {
	key := strings.Join([]string{
		record.XProviderID,
		record.XSourceChargeID,
		record.ChargePeriodStart.UTC().Format(time.RFC3339),
		record.ChargePeriodEnd.UTC().Format(time.RFC3339),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
