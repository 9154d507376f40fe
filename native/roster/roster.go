// Package roster describes the set of validators allowed to attest milestone
// completion.
package roster

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Roster authorises validators. Size is the total used by the quorum rules.
type Roster interface {
	IsValidator(addr common.Address) bool
	Size() int
	Validators() []common.Address
}

// Static is an in-memory roster loaded from configuration. Replace swaps the
// membership atomically.
type Static struct {
	mu      sync.RWMutex
	members map[common.Address]struct{}
}

// NewStatic builds a roster from addresses, ignoring duplicates.
func NewStatic(addrs ...common.Address) *Static {
	s := &Static{}
	s.Replace(addrs)
	return s
}

// ParseStatic builds a roster from hex encoded addresses.
func ParseStatic(values []string) (*Static, error) {
	addrs := make([]common.Address, 0, len(values))
	for _, raw := range values {
		trimmed := strings.TrimSpace(raw)
		if !common.IsHexAddress(trimmed) {
			return nil, fmt.Errorf("roster: invalid validator address %q", raw)
		}
		addr := common.HexToAddress(trimmed)
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("roster: zero validator address")
		}
		addrs = append(addrs, addr)
	}
	return NewStatic(addrs...), nil
}

// Replace swaps the roster membership.
func (s *Static) Replace(addrs []common.Address) {
	members := make(map[common.Address]struct{}, len(addrs))
	for _, addr := range addrs {
		if addr == (common.Address{}) {
			continue
		}
		members[addr] = struct{}{}
	}
	s.mu.Lock()
	s.members = members
	s.mu.Unlock()
}

// IsValidator reports membership.
func (s *Static) IsValidator(addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[addr]
	return ok
}

// Size returns the number of validators.
func (s *Static) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Validators returns the members ordered by address.
func (s *Static) Validators() []common.Address {
	s.mu.RLock()
	out := make([]common.Address, 0, len(s.members))
	for addr := range s.members {
		out = append(out, addr)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0 })
	return out
}

var _ Roster = (*Static)(nil)
