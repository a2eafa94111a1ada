// Package stats summarizes an agent's backlog across every queue backend.
package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/queue"
)

// AssetGroupQueueStatistics is the backlog of one (asset group, subject type).
type AssetGroupQueueStatistics struct {
	AgentID             string              `json:"agentId"`
	AssetGroupID        string              `json:"assetGroupId"`
	AssetGroupQualifier string              `json:"assetGroupQualifier,omitempty"`
	SubjectType         command.SubjectType `json:"subjectType,omitempty"`
	PendingCount        int                 `json:"pendingCount"`
	UnleasedCount       int                 `json:"unleasedCount"`
	OldestPending       *time.Time          `json:"oldestPending,omitempty"`
	MinLeaseAvailable   *time.Time          `json:"minLeaseAvailable,omitempty"`
	DeadLetterCount     int                 `json:"deadLetterCount"`
	QueryTime           time.Time           `json:"queryTime"`
}

type groupKey struct {
	assetGroup  string
	subjectType command.SubjectType
}

// Aggregator reads partition snapshots; it never mutates queue state.
type Aggregator struct {
	router      *queue.Router
	now         func() time.Time
	parallelism int
}

func NewAggregator(router *queue.Router, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{router: router, now: now, parallelism: 8}
}

type partitionData struct {
	info  queue.PartitionInfo
	items []queue.WorkItem
	dead  []queue.DeadLetter
}

// GetStatistics returns one entry per (asset group, subject type) the agent
// has work for, sorted by asset group then subject type. An asset group
// whose partitions are empty is reported once with zero counts.
func (a *Aggregator) GetStatistics(ctx context.Context, agentID string) ([]AssetGroupQueueStatistics, error) {
	backends := a.router.All()
	parts := make([][]queue.PartitionInfo, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		i, b := i, b
		g.Go(func() error {
			p, err := b.Partitions(gctx, agentID)
			parts[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		data []partitionData
	)
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)
	for i, b := range backends {
		for _, p := range parts[i] {
			b, p := b, p
			g.Go(func() error {
				items, err := b.Snapshot(gctx, p.Moniker)
				if err != nil {
					return err
				}
				dead, err := b.DeadLetters(gctx, p.Moniker, 0)
				if err != nil {
					return err
				}
				mu.Lock()
				data = append(data, partitionData{info: p, items: items, dead: dead})
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summarize(agentID, data, a.now()), nil
}

func summarize(agentID string, data []partitionData, now time.Time) []AssetGroupQueueStatistics {
	groups := map[groupKey]*AssetGroupQueueStatistics{}
	qualifiers := map[string]string{}
	entry := func(ag string, st command.SubjectType) *AssetGroupQueueStatistics {
		k := groupKey{assetGroup: ag, subjectType: st}
		s, ok := groups[k]
		if !ok {
			s = &AssetGroupQueueStatistics{
				AgentID:             agentID,
				AssetGroupID:        ag,
				AssetGroupQualifier: qualifiers[ag],
				SubjectType:         st,
				QueryTime:           now,
			}
			groups[k] = s
		}
		return s
	}

	seen := map[string]bool{}
	for _, d := range data {
		ag := d.info.AssetGroupID
		if _, ok := qualifiers[ag]; !ok {
			qualifiers[ag] = d.info.AssetGroupQualifier
		}
		if _, ok := seen[ag]; !ok {
			seen[ag] = false
		}
		for _, w := range d.items {
			if w.State != queue.StatePending && w.State != queue.StateLeased {
				continue
			}
			seen[ag] = true
			s := entry(ag, w.SubjectType)
			s.PendingCount++
			s.OldestPending = minTime(s.OldestPending, w.EnqueuedAt)
			if w.Available(now) {
				s.UnleasedCount++
				s.MinLeaseAvailable = minTime(s.MinLeaseAvailable, now)
			} else {
				s.MinLeaseAvailable = minTime(s.MinLeaseAvailable, w.LeaseExpiry)
			}
		}
		for _, dl := range d.dead {
			seen[ag] = true
			entry(ag, dl.Item.SubjectType).DeadLetterCount++
		}
	}
	for ag, hasWork := range seen {
		if !hasWork {
			entry(ag, "")
		}
	}

	out := make([]AssetGroupQueueStatistics, 0, len(groups))
	for _, s := range groups {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetGroupID != out[j].AssetGroupID {
			return out[i].AssetGroupID < out[j].AssetGroupID
		}
		return out[i].SubjectType < out[j].SubjectType
	})
	return out
}

func minTime(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.Before(*cur) {
		return &t
	}
	return cur
}
