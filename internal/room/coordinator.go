package room

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manpreetbhatti/pairpad/backend/internal/metrics"
)

// Coordinator tracks the live members and buffer of every room and fans
// updates out to them.
//
// Locking has two tiers: mu guards only the existence of entries in rooms,
// and each room's own mutex guards that room's buffer and membership. The map
// mutex is always released before a room mutex is taken, and no room mutex is
// held while sending to a connection.
type Coordinator struct {
	mu     sync.Mutex
	rooms  map[string]*state
	nextID atomic.Uint64
	log    *slog.Logger
	now    func() time.Time
}

func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rooms: make(map[string]*state),
		log:   logger.With("component", "coordinator"),
		now:   time.Now,
	}
}

// acquire returns the room's state with its mutex held, creating the room on
// first use.
func (c *Coordinator) acquire(roomID string) *state {
	for {
		c.mu.Lock()
		st, ok := c.rooms[roomID]
		if !ok {
			st = newState(c.now())
			c.rooms[roomID] = st
			metrics.Rooms.Inc()
		}
		c.mu.Unlock()

		st.mu.Lock()
		if !st.evicted {
			return st
		}
		// Evicted between the lookup and the lock; the map no longer holds it.
		st.mu.Unlock()
	}
}

// Prime seeds the room's buffer, typically from the persisted copy. Members
// are not notified.
func (c *Coordinator) Prime(roomID, code, language string) {
	st := c.acquire(roomID)
	st.code = code
	st.language = language
	st.lastActive = c.now()
	st.mu.Unlock()
}

// PrimeIfIdle seeds the room like Prime, but only while the room has no
// members and has not seen a delta. It reports whether the buffer was
// replaced. Joining sessions use it so a stored copy never rolls back the
// buffer live members are editing.
func (c *Coordinator) PrimeIfIdle(roomID, code, language string) bool {
	st := c.acquire(roomID)
	defer st.mu.Unlock()

	if len(st.conns) > 0 || st.edited {
		return false
	}
	st.code = code
	st.language = language
	st.lastActive = c.now()
	return true
}

// Connect registers conn as a new member of the room, tells the room about
// the new participant count and then sends conn the current buffer. The
// buffer is read after registration, so any edit the new member misses in
// the snapshot reaches it through the fan-out instead.
func (c *Coordinator) Connect(roomID string, conn Connection) ConnID {
	id := ConnID(c.nextID.Add(1))

	st := c.acquire(roomID)
	st.conns[id] = conn
	st.lastActive = c.now()
	count := len(st.conns)
	st.mu.Unlock()

	metrics.Connections.Inc()
	c.log.Info("connection joined", "room", roomID, "conn", id, "participants", count)

	c.BroadcastParticipants(roomID)

	st.mu.Lock()
	snapshot := encodeSnapshot(st.code, st.language)
	st.mu.Unlock()

	if err := conn.Send(snapshot); err != nil {
		c.log.Debug("initial sync failed", "room", roomID, "conn", id, "err", err)
		metrics.SendFailures.Inc()
		c.prune(roomID, st, []ConnID{id})
		return id
	}
	metrics.MessagesSent.WithLabelValues("snapshot").Inc()
	return id
}

// Disconnect removes the member and tells the remaining ones. Removing an
// unknown member is a no-op.
func (c *Coordinator) Disconnect(roomID string, id ConnID) {
	st := c.acquire(roomID)
	removed := st.remove([]ConnID{id})
	st.lastActive = c.now()
	count := len(st.conns)
	st.mu.Unlock()

	if removed > 0 {
		metrics.Connections.Dec()
		c.log.Info("connection left", "room", roomID, "conn", id, "participants", count)
	}

	c.BroadcastParticipants(roomID)
}

// BroadcastParticipants sends the current member count to every member.
func (c *Coordinator) BroadcastParticipants(roomID string) {
	st := c.acquire(roomID)
	payload := encodeParticipants(len(st.conns))
	targets := st.members()
	st.mu.Unlock()

	c.fanOut(roomID, st, "participants", payload, targets)
}

// BroadcastDelta replaces the room's buffer and sends it to every member,
// the author included. author may be nil.
func (c *Coordinator) BroadcastDelta(roomID, code string, author *string) {
	st := c.acquire(roomID)
	st.code = code
	st.edited = true
	st.lastActive = c.now()
	targets := st.members()
	st.mu.Unlock()

	c.fanOut(roomID, st, "delta", encodeDelta(code, author), targets)
}

// ParticipantCount reports the room's member count. An unknown room is
// created and reports 0.
func (c *Coordinator) ParticipantCount(roomID string) int {
	st := c.acquire(roomID)
	defer st.mu.Unlock()
	return len(st.conns)
}

// fanOut sends payload to every target without holding any lock. A failed
// send never stops the pass; failed members are pruned afterwards.
func (c *Coordinator) fanOut(roomID string, st *state, kind string, payload []byte, targets []member) {
	var dead []ConnID
	for _, m := range targets {
		if err := m.conn.Send(payload); err != nil {
			c.log.Debug("send failed", "room", roomID, "conn", m.id, "kind", kind, "err", err)
			metrics.SendFailures.Inc()
			dead = append(dead, m.id)
			continue
		}
		metrics.MessagesSent.WithLabelValues(kind).Inc()
	}

	if len(dead) > 0 {
		c.prune(roomID, st, dead)
	}
}

func (c *Coordinator) prune(roomID string, st *state, ids []ConnID) {
	st.mu.Lock()
	removed := st.remove(ids)
	count := len(st.conns)
	st.mu.Unlock()

	if removed > 0 {
		metrics.Connections.Sub(float64(removed))
		c.log.Info("pruned dead connections", "room", roomID, "pruned", removed, "participants", count)
	}
}

func (c *Coordinator) states() map[string]*state {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*state, len(c.rooms))
	for id, st := range c.rooms {
		out[id] = st
	}
	return out
}

// Stats returns the number of rooms held in memory and the number of members
// across all of them.
func (c *Coordinator) Stats() (rooms, connections int) {
	all := c.states()
	for _, st := range all {
		st.mu.Lock()
		connections += len(st.conns)
		st.mu.Unlock()
	}
	return len(all), connections
}

// ActiveRooms maps every room with at least one member to its member count.
func (c *Coordinator) ActiveRooms() map[string]int {
	active := make(map[string]int)
	for id, st := range c.states() {
		st.mu.Lock()
		if n := len(st.conns); n > 0 {
			active[id] = n
		}
		st.mu.Unlock()
	}
	return active
}

// Evict drops rooms that have no members and saw no activity for at least
// ttl. It returns how many rooms were dropped.
func (c *Coordinator) Evict(ttl time.Duration) int {
	cutoff := c.now().Add(-ttl)

	evicted := 0
	for id, st := range c.states() {
		st.mu.Lock()
		if len(st.conns) == 0 && !st.lastActive.After(cutoff) && c.drop(id, st) {
			st.evicted = true
			evicted++
		}
		st.mu.Unlock()
	}

	if evicted > 0 {
		metrics.Rooms.Sub(float64(evicted))
		metrics.RoomsEvicted.Add(float64(evicted))
	}
	return evicted
}

// drop removes the map entry for roomID if it still points at st.
func (c *Coordinator) drop(roomID string, st *state) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rooms[roomID] != st {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// RunEviction calls Evict every interval until ctx is done. A ttl of zero
// disables eviction and returns immediately.
func (c *Coordinator) RunEviction(ctx context.Context, interval, ttl time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info("idle room eviction started", "interval", interval, "ttl", ttl)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Evict(ttl); n > 0 {
				c.log.Info("evicted idle rooms", "count", n)
			}
		}
	}
}
