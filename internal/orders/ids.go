package orders

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLIENT ORDER IDS
// ═══════════════════════════════════════════════════════════════════════════════
//
// Format: {pair}-{role}-{unixnano}-{uuid[:8]}. The id is persisted with the
// NEW row before any network call, so a crash between persist and ack is
// recoverable by matching the id against the venue's open orders.
//
// ═══════════════════════════════════════════════════════════════════════════════

var idMu sync.Mutex
var lastNano int64

// NewClientOrderID generates a process-unique client order id.
func NewClientOrderID(pairID, role string) string {
	idMu.Lock()
	nano := time.Now().UnixNano()
	if nano <= lastNano {
		nano = lastNano + 1
	}
	lastNano = nano
	idMu.Unlock()

	return fmt.Sprintf("%s-%s-%d-%s", pairID, role, nano, uuid.NewString()[:8])
}
