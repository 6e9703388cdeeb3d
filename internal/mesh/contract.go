package mesh

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/meshctl/internal/schema"
)

var (
	ErrInvalidContract       = errors.New("mesh: invalid capability contract")
	ErrInvalidCapabilityName = errors.New("mesh: invalid capability name")
)

// Mode advertises call semantics. Query is advisory (side-effect-free,
// cacheable by callers) and is not enforced by the router.
type Mode string

const (
	ModeQuery    Mode = "query"
	ModeMutation Mode = "mutation"
)

// Contract is the immutable declaration of one typed capability. Multiple
// cells may register the same name; redundancy is how the mesh self-assembles.
type Contract struct {
	Namespace string
	Method    string
	Input     schema.Schema
	Output    schema.Schema
	Mode      Mode
}

// Name returns the wire capability name "namespace/method".
func (c Contract) Name() string {
	return c.Namespace + "/" + c.Method
}

func (c Contract) Validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return fmt.Errorf("%w: missing namespace", ErrInvalidContract)
	}
	if strings.Contains(c.Namespace, "/") {
		return fmt.Errorf("%w: namespace contains '/'", ErrInvalidContract)
	}
	if strings.TrimSpace(c.Method) == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidContract)
	}
	if strings.Contains(c.Method, "/") {
		return fmt.Errorf("%w: method contains '/'", ErrInvalidContract)
	}
	switch c.Mode {
	case ModeQuery, ModeMutation:
	default:
		return fmt.Errorf("%w: invalid mode %q", ErrInvalidContract, c.Mode)
	}
	return nil
}

// Info returns the advertised form carried in registry records and atlas
// entries.
func (c Contract) Info() CapabilityInfo {
	return CapabilityInfo{
		Name:   c.Name(),
		Input:  c.Input,
		Output: c.Output,
		Mode:   c.Mode,
	}
}

// CapabilityInfo is the wire advertisement of one capability.
type CapabilityInfo struct {
	Name   string        `json:"name"`
	Input  schema.Schema `json:"input"`
	Output schema.Schema `json:"output"`
	Mode   Mode          `json:"mode"`
}

// SplitName splits "namespace/method" into its parts.
func SplitName(name string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(name), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCapabilityName, name)
	}
	return parts[0], parts[1], nil
}
