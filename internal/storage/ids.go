package storage

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a prefixed random identifier, e.g. NewID("agt") gives
// "agt_9f8d...". The prefix makes ids self-describing in logs and URLs.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:])
}
