// Package fanout turns one command into per-destination work.
//
// Engine.Resolve is pure: it consults the policy resolver and returns sorted,
// de-duplicated destinations. Publisher enqueues them, separately, so a
// partially failed publish can be retried without resolving policy again.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/policy"
)

// ErrPolicyResolution wraps resolver failures. It is transient.
var ErrPolicyResolution = errors.New("policy resolution failed")

// Engine resolves commands to destinations.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Resolve returns one destination per in-scope (agent, asset group) pair.
// A command with no pairs in scope yields an empty slice and no error.
func (e *Engine) Resolve(ctx context.Context, cmd command.Command, resolver policy.Resolver) ([]command.Destination, error) {
	if !cmd.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", command.ErrUnsupportedCommandKind, int(cmd.Kind))
	}
	if cmd.Body != nil && cmd.Body.Kind() != cmd.Kind {
		return nil, fmt.Errorf("%w: payload %s for kind %s", command.ErrInvalidCommand, cmd.Body.Kind(), cmd.Kind)
	}
	var requested []string
	if cmd.Body != nil {
		var err error
		if requested, err = command.RequestedDataTypes(cmd.Body); err != nil {
			return nil, err
		}
	}

	pairs, err := resolver.Resolve(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: command %s: %w", ErrPolicyResolution, cmd.ID, err)
	}

	seen := make(map[string]struct{}, len(pairs))
	out := make([]command.Destination, 0, len(pairs))
	for _, p := range pairs {
		var dataTypes []string
		if cmd.Kind == command.KindExport {
			var ok bool
			if dataTypes, ok = applicableDataTypes(requested, p.DataTypes); !ok {
				continue
			}
		}
		effective := dataTypes
		if cmd.Kind != command.KindExport {
			effective = requested
		}
		variants, covered := applicableVariants(effective, p.Variants)
		if covered {
			continue
		}
		if err := validPair(p); err != nil {
			return nil, fmt.Errorf("%w: command %s: %w", ErrPolicyResolution, cmd.ID, err)
		}
		moniker := command.Moniker(p.AgentID, p.AssetGroupID, cmd.Kind)
		if _, dup := seen[moniker]; dup {
			continue
		}
		seen[moniker] = struct{}{}
		out = append(out, command.Destination{
			AgentID:             p.AgentID,
			AssetGroupID:        p.AssetGroupID,
			AssetGroupQualifier: p.Qualifier,
			Moniker:             moniker,
			StorageType:         p.StorageType,
			Kind:                cmd.Kind,
			SubjectType:         cmd.SubjectType,
			DataTypes:           dataTypes,
			Variants:            variants,
		})
	}
	command.SortDestinations(out)
	return out, nil
}

// applicableDataTypes intersects the requested types with the pair's. Empty
// on either side means "all". ok is false when both are set and disjoint.
func applicableDataTypes(requested, owned []string) ([]string, bool) {
	switch {
	case len(requested) == 0:
		return clone(owned), true
	case len(owned) == 0:
		return clone(requested), true
	}
	own := toSet(owned)
	var out []string
	for _, dt := range requested {
		if _, ok := own[dt]; ok {
			out = append(out, dt)
		}
	}
	return out, len(out) > 0
}

// applicableVariants returns the IDs of variants touching the command's data
// types, and whether those variants together exempt every one of them.
func applicableVariants(dataTypes []string, variants []policy.Variant) ([]string, bool) {
	if len(variants) == 0 {
		return nil, false
	}
	var (
		ids    []string
		exempt = map[string]struct{}{}
		all    bool
	)
	want := toSet(dataTypes)
	for _, v := range variants {
		if len(v.DataTypes) == 0 {
			ids = append(ids, v.ID)
			all = true
			continue
		}
		hit := len(want) == 0
		for _, dt := range v.DataTypes {
			if _, ok := want[dt]; ok {
				hit = true
				exempt[dt] = struct{}{}
			}
		}
		if hit {
			ids = append(ids, v.ID)
		}
	}
	if all {
		return ids, true
	}
	if len(want) == 0 {
		return ids, false
	}
	for dt := range want {
		if _, ok := exempt[dt]; !ok {
			return ids, false
		}
	}
	return ids, true
}

func toSet(xs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		m[x] = struct{}{}
	}
	return m
}

func clone(xs []string) []string {
	if len(xs) == 0 {
		return nil
	}
	return append([]string(nil), xs...)
}

func validPair(p policy.Pair) error {
	if err := command.ValidateIdentifier(p.AgentID); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if err := command.ValidateIdentifier(p.AssetGroupID); err != nil {
		return fmt.Errorf("asset group: %w", err)
	}
	return nil
}
