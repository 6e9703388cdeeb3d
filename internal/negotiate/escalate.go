package negotiate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ticket is one out-of-band escalation: a call the mesh could not place,
// queued for a human operator or an external delivery mechanism.
type Ticket struct {
	ID         string         `json:"id"`
	From       string         `json:"from"`
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
	Reason     string         `json:"reason"`
	CreatedAt  time.Time      `json:"created_at"`
}

func NewTicket(from, capability string, args map[string]any, reason string) Ticket {
	return Ticket{
		ID:         "tkt." + uuid.NewString(),
		From:       from,
		Capability: capability,
		Args:       args,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
}

// Escalator delivers a ticket out-of-band.
type Escalator interface {
	Escalate(ctx context.Context, t Ticket) error
}

// Spool writes tickets as JSON files to an operator-watched directory.
type Spool struct {
	dir string
}

func NewSpool(dir string) (*Spool, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("negotiate: missing spool dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("negotiate: create spool dir %q: %w", dir, err)
	}
	return &Spool{dir: dir}, nil
}

func (s *Spool) Escalate(_ context.Context, t Ticket) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("negotiate: marshal ticket %q: %w", t.ID, err)
	}
	path := filepath.Join(s.dir, t.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("negotiate: write ticket %q: %w", t.ID, err)
	}
	return nil
}

// Pending lists spooled tickets oldest first.
func (s *Spool) Pending() ([]Ticket, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("negotiate: read spool dir %q: %w", s.dir, err)
	}
	out := make([]Ticket, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var t Ticket
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
