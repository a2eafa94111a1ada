// Package policy supplies the (agent, asset group) pairs a command applies to.
//
// The authoritative ownership service is external; this package defines the
// Resolver contract and ships a snapshot-file implementation used by the
// server and tests.
package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/rzbill/cmdfeed/internal/command"
)

// ErrStaleSnapshot is returned when a command was resolved against a newer
// policy version than the loaded snapshot. Callers retry after a refresh.
var ErrStaleSnapshot = errors.New("policy snapshot older than command")

// Variant exempts a set of data types from processing for an asset group.
type Variant struct {
	ID        string   `yaml:"id" json:"id"`
	DataTypes []string `yaml:"dataTypes" json:"dataTypes,omitempty"`
}

// Pair is one in-scope (agent, asset group) for a command.
type Pair struct {
	AgentID      string
	AssetGroupID string
	Qualifier    string
	StorageType  command.QueueStorageType
	DataTypes    []string
	Variants     []Variant
}

// Resolver returns the in-scope pairs for a command.
type Resolver interface {
	Resolve(ctx context.Context, cmd command.Command) ([]Pair, error)
}

// Binding is a snapshot entry: an asset group owned by an agent and the
// command kinds and subject types it accepts. Empty lists accept everything.
type Binding struct {
	AgentID      string                   `yaml:"agent"`
	AssetGroupID string                   `yaml:"assetGroup"`
	Qualifier    string                   `yaml:"qualifier"`
	StorageType  command.QueueStorageType `yaml:"storage"`
	Kinds        []string                 `yaml:"kinds"`
	SubjectTypes []command.SubjectType    `yaml:"subjectTypes"`
	DataTypes    []string                 `yaml:"dataTypes"`
	Variants     []Variant                `yaml:"variants"`

	kinds map[command.Kind]struct{}
}

// Snapshot is an immutable, versioned set of bindings.
type Snapshot struct {
	Version  int64     `yaml:"version"`
	Bindings []Binding `yaml:"bindings"`
}

// Build validates bindings and precomputes kind lookups. The returned snapshot
// is never mutated afterwards.
func Build(version int64, bindings []Binding) (*Snapshot, error) {
	out := &Snapshot{Version: version, Bindings: make([]Binding, 0, len(bindings))}
	for i, b := range bindings {
		if strings.TrimSpace(b.AgentID) == "" || strings.TrimSpace(b.AssetGroupID) == "" {
			return nil, fmt.Errorf("binding %d: agent and assetGroup are required", i)
		}
		if err := command.ValidateIdentifier(b.AgentID); err != nil {
			return nil, fmt.Errorf("binding %d: agent: %w", i, err)
		}
		if err := command.ValidateIdentifier(b.AssetGroupID); err != nil {
			return nil, fmt.Errorf("binding %d: assetGroup: %w", i, err)
		}
		b.kinds = make(map[command.Kind]struct{}, len(b.Kinds))
		for _, name := range b.Kinds {
			k, err := command.ParseKind(name)
			if err != nil {
				return nil, fmt.Errorf("binding %d: %w", i, err)
			}
			b.kinds[k] = struct{}{}
		}
		for _, st := range b.SubjectTypes {
			if !st.Valid() {
				return nil, fmt.Errorf("binding %d: unknown subject type %q", i, st)
			}
		}
		out.Bindings = append(out.Bindings, b)
	}
	return out, nil
}

// Parse decodes a YAML snapshot document.
func Parse(data []byte) (*Snapshot, error) {
	var raw Snapshot
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse policy snapshot: %w", err)
	}
	return Build(raw.Version, raw.Bindings)
}

// LoadFile reads and parses a YAML snapshot file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy snapshot: %w", err)
	}
	return Parse(data)
}

func (b *Binding) accepts(cmd command.Command) bool {
	if len(b.kinds) > 0 {
		if _, ok := b.kinds[cmd.Kind]; !ok {
			return false
		}
	}
	if len(b.SubjectTypes) == 0 {
		return true
	}
	for _, st := range b.SubjectTypes {
		if st == cmd.SubjectType {
			return true
		}
	}
	return false
}

// Resolve returns the pairs in this snapshot that accept cmd.
func (s *Snapshot) Resolve(_ context.Context, cmd command.Command) ([]Pair, error) {
	if cmd.PolicyVersion > s.Version {
		return nil, fmt.Errorf("%w: command v%d, snapshot v%d", ErrStaleSnapshot, cmd.PolicyVersion, s.Version)
	}
	var out []Pair
	for i := range s.Bindings {
		b := &s.Bindings[i]
		if !b.accepts(cmd) {
			continue
		}
		out = append(out, Pair{
			AgentID:      b.AgentID,
			AssetGroupID: b.AssetGroupID,
			Qualifier:    b.Qualifier,
			StorageType:  b.StorageType,
			DataTypes:    b.DataTypes,
			Variants:     b.Variants,
		})
	}
	return out, nil
}

// Store holds the current snapshot and swaps it atomically on refresh.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	if initial == nil {
		initial = &Snapshot{}
	}
	s.cur.Store(initial)
	return s
}

func (s *Store) Current() *Snapshot { return s.cur.Load() }

// Swap installs snap if it is not older than the current one.
func (s *Store) Swap(snap *Snapshot) bool {
	for {
		old := s.cur.Load()
		if old != nil && snap.Version < old.Version {
			return false
		}
		if s.cur.CompareAndSwap(old, snap) {
			return true
		}
	}
}

func (s *Store) Resolve(ctx context.Context, cmd command.Command) ([]Pair, error) {
	return s.cur.Load().Resolve(ctx, cmd)
}
