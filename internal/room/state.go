package room

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

const (
	// Buffer a room starts with until something primes it
	DefaultCode = "# Start collaborating...\n"

	DefaultLanguage = "python"
)

// ConnID is the membership handle returned by Connect. Ids are unique for the
// lifetime of a Coordinator, so a stale id can never match a newer member.
type ConnID uint64

// Connection is one participant's live session. The same data slice is handed
// to every member, so Send must not modify it. Send reports a failure when the
// peer can no longer be reached.
type Connection interface {
	Send(data []byte) error
}

// Per-room mutable state. mu guards every field below it as one unit.
type state struct {
	mu         sync.Mutex
	code       string
	language   string
	conns      map[ConnID]Connection
	lastActive time.Time

	// Set by the first delta. From then on the in-memory buffer is newer
	// than anything a store can hand to PrimeIfIdle.
	edited bool

	// Set when the room was dropped from the coordinator's map; callers
	// holding a stale pointer must look the room up again.
	evicted bool
}

type member struct {
	id   ConnID
	conn Connection
}

func newState(now time.Time) *state {
	return &state{
		code:       DefaultCode,
		language:   DefaultLanguage,
		conns:      make(map[ConnID]Connection),
		lastActive: now,
	}
}

// Copy of the current membership for use outside the lock. Caller holds mu.
func (s *state) members() []member {
	return lo.MapToSlice(s.conns, func(id ConnID, conn Connection) member {
		return member{id: id, conn: conn}
	})
}

// Caller holds mu.
func (s *state) remove(ids []ConnID) int {
	removed := 0
	for _, id := range ids {
		if _, ok := s.conns[id]; ok {
			delete(s.conns, id)
			removed++
		}
	}
	return removed
}
