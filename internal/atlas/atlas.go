package atlas

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/meshctl/internal/mesh"
	"github.com/danmuck/meshctl/internal/observability"
)

var ErrInvalidCellID = errors.New("atlas: invalid cell id")

// DefaultFreshFor is the staleness cutoff for dispatch candidates. Entries
// older than this are retained but excluded from routing; gossip or a forced
// bootstrap revives them.
const DefaultFreshFor = 45 * time.Second

// Atlas is a cell's local topology cache: cellId -> {address, capabilities,
// lastSeen}. It is the only mutable shared state inside a cell and tolerates
// concurrent merge-writes from gossip, bootstrap, and self-announcement.
type Atlas struct {
	mu       sync.RWMutex
	selfID   string
	entries  map[string]mesh.PeerRecord
	freshFor time.Duration
}

func New(selfID string, freshFor time.Duration) (*Atlas, error) {
	if strings.TrimSpace(selfID) == "" {
		return nil, ErrInvalidCellID
	}
	if freshFor <= 0 {
		freshFor = DefaultFreshFor
	}
	return &Atlas{
		selfID:   selfID,
		entries:  make(map[string]mesh.PeerRecord),
		freshFor: freshFor,
	}, nil
}

func (a *Atlas) SelfID() string {
	return a.selfID
}

func (a *Atlas) FreshFor() time.Duration {
	return a.freshFor
}

// SetSelf installs or refreshes this cell's own entry. The own entry is
// always present and always fresh regardless of wall-clock staleness.
func (a *Atlas) SetSelf(rec mesh.PeerRecord) {
	rec.CellID = a.selfID
	rec.LastSeen = time.Now()
	a.mu.Lock()
	a.entries[a.selfID] = copyRecord(rec)
	size := len(a.entries)
	a.mu.Unlock()
	observability.SetAtlasEntries(a.selfID, size)
}

// TouchSelf bumps the own entry's LastSeen without changing its payload.
func (a *Atlas) TouchSelf() {
	a.mu.Lock()
	if rec, ok := a.entries[a.selfID]; ok {
		rec.LastSeen = time.Now()
		a.entries[a.selfID] = rec
	}
	a.mu.Unlock()
}

// Merge folds peer records in by cellId, keeping the freshest record on
// conflict by the entry's own LastSeen, not arrival order. Merging never
// removes entries and never replaces the table wholesale. Returns how many
// records were accepted.
func (a *Atlas) Merge(records ...mesh.PeerRecord) int {
	accepted := 0
	a.mu.Lock()
	for _, rec := range records {
		id := strings.TrimSpace(rec.CellID)
		if id == "" {
			continue
		}
		if id == a.selfID {
			// Own entry is authoritative locally; a peer's stale copy of us
			// must not win.
			continue
		}
		existing, ok := a.entries[id]
		if ok && !rec.LastSeen.After(existing.LastSeen) {
			continue
		}
		a.entries[id] = copyRecord(rec)
		accepted++
	}
	size := len(a.entries)
	a.mu.Unlock()
	observability.SetAtlasEntries(a.selfID, size)
	return accepted
}

// Remove drops one entry, e.g. after a peer announces shutdown.
func (a *Atlas) Remove(cellID string) {
	a.mu.Lock()
	delete(a.entries, cellID)
	size := len(a.entries)
	a.mu.Unlock()
	observability.SetAtlasEntries(a.selfID, size)
}

func (a *Atlas) Get(cellID string) (mesh.PeerRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.entries[cellID]
	if !ok {
		return mesh.PeerRecord{}, false
	}
	return copyRecord(rec), true
}

// Snapshot returns all entries sorted by cellId, own entry included.
func (a *Atlas) Snapshot() []mesh.PeerRecord {
	a.mu.RLock()
	out := make([]mesh.PeerRecord, 0, len(a.entries))
	for _, rec := range a.entries {
		out = append(out, copyRecord(rec))
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CellID < out[j].CellID })
	return out
}

// Candidates returns fresh entries advertising the capability, sorted by
// cellId for deterministic first-found selection.
func (a *Atlas) Candidates(capability string) []mesh.PeerRecord {
	now := time.Now()
	a.mu.RLock()
	out := make([]mesh.PeerRecord, 0, 4)
	for _, rec := range a.entries {
		if !a.fresh(rec, now) {
			continue
		}
		if rec.Advertises(capability) {
			out = append(out, copyRecord(rec))
		}
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CellID < out[j].CellID })
	return out
}

// Peers returns fresh entries excluding self, for gossip partner selection.
func (a *Atlas) Peers() []mesh.PeerRecord {
	now := time.Now()
	a.mu.RLock()
	out := make([]mesh.PeerRecord, 0, len(a.entries))
	for id, rec := range a.entries {
		if id == a.selfID || !a.fresh(rec, now) {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CellID < out[j].CellID })
	return out
}

func (a *Atlas) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

func (a *Atlas) fresh(rec mesh.PeerRecord, now time.Time) bool {
	if rec.CellID == a.selfID {
		return true
	}
	return now.Sub(rec.LastSeen) <= a.freshFor
}

func copyRecord(rec mesh.PeerRecord) mesh.PeerRecord {
	if len(rec.Capabilities) == 0 {
		rec.Capabilities = nil
		return rec
	}
	caps := make([]mesh.CapabilityInfo, len(rec.Capabilities))
	copy(caps, rec.Capabilities)
	rec.Capabilities = caps
	return rec
}
