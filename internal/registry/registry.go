package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/meshctl/internal/mesh"
)

var ErrInvalidRecord = errors.New("registry: invalid record")

// Record is one cell's announcement on the shared medium.
type Record struct {
	CellID        string                `json:"cell_id"`
	Address       string                `json:"address"`
	Capabilities  []mesh.CapabilityInfo `json:"capabilities"`
	LastAnnounced time.Time             `json:"last_announced"`
}

func (r Record) Validate() error {
	if strings.TrimSpace(r.CellID) == "" {
		return fmt.Errorf("%w: missing cell_id", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Address) == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidRecord)
	}
	return nil
}

// PeerRecord converts an announcement into its atlas form.
func (r Record) PeerRecord() mesh.PeerRecord {
	return mesh.PeerRecord{
		CellID:       r.CellID,
		Address:      r.Address,
		Capabilities: r.Capabilities,
		LastSeen:     r.LastAnnounced,
	}
}

// FromPeerRecord builds an announcement from an atlas entry.
func FromPeerRecord(rec mesh.PeerRecord) Record {
	return Record{
		CellID:        rec.CellID,
		Address:       rec.Address,
		Capabilities:  rec.Capabilities,
		LastAnnounced: rec.LastSeen,
	}
}

// Registry is the shared discovery medium. Writes are idempotent per cell: a
// cell only ever overwrites its own record. The filesystem backend is a
// single-host simplification; a networked deployment swaps in a distributed
// store behind this interface without touching atlas/gossip/dispatch logic.
type Registry interface {
	Announce(rec Record) error
	List() ([]Record, error)
	Remove(cellID string) error
}
