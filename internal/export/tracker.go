package export

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/notify"
	logpkg "github.com/rzbill/cmdfeed/pkg/log"
)

// Pruner is implemented by stores that can drop records older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) error
}

// Tracker registers exports and joins their records until each one is
// complete or timed out.
type Tracker struct {
	store    Store
	cfg      Config
	notifier notify.Notifier
	logger   logpkg.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]time.Time
	done    map[string]Result
}

type TrackerOption func(*Tracker)

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(l logpkg.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

func NewTracker(store Store, cfg Config, notifier notify.Notifier, opts ...TrackerOption) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		now:      time.Now,
		pending:  map[string]time.Time{},
		done:     map[string]Result{},
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	}
	t.logger = t.logger.WithComponent("export")
	return t, nil
}

func (t *Tracker) Config() Config { return t.cfg }

// Register records the destinations of a newly ingested export, one page-0
// expectation each, and starts its timeout clock. The export cannot complete
// until every one of them has announced its pages and finished them. With no
// destinations the export is complete at once. Registering a command again
// only adds destinations; the first start time is kept.
func (t *Tracker) Register(ctx context.Context, commandID string, destinations []Key, startedAt time.Time) (Result, error) {
	if len(destinations) == 0 {
		return t.completeNow(ctx, commandID, startedAt), nil
	}
	t.mu.Lock()
	res, done := t.done[commandID]
	t.mu.Unlock()
	if done {
		return res, nil
	}

	recs := make([]Expectation, len(destinations))
	for i, d := range destinations {
		recs[i] = Expectation{CommandID: commandID, Key: d.destination(), Kind: command.KindExport, Slice: t.cfg.SliceOf(startedAt), CreatedAt: startedAt}
	}
	if err := t.store.PutExpectations(ctx, recs); err != nil {
		return Result{}, fmt.Errorf("export: write destinations for %s: %w", commandID, err)
	}
	started, err := t.open(ctx, commandID, startedAt)
	if err != nil {
		return Result{}, err
	}
	return Result{
		CommandID:    commandID,
		Status:       StatusIncomplete,
		Destinations: len(dedupKeys(recs)),
		StartedAt:    started,
		CheckedAt:    startedAt,
	}, nil
}

// Expect records the pages a destination will produce and registers the
// command for the background join if it is not already. With no keys the
// export is complete at once.
func (t *Tracker) Expect(ctx context.Context, commandID string, kind command.Kind, keys []Key, now time.Time) (Result, error) {
	if len(keys) == 0 {
		return t.completeNow(ctx, commandID, now), nil
	}
	recs := make([]Expectation, len(keys))
	for i, k := range keys {
		recs[i] = Expectation{CommandID: commandID, Key: k, Kind: kind, Slice: t.cfg.SliceOf(now), CreatedAt: now}
	}
	if err := t.store.PutExpectations(ctx, recs); err != nil {
		return Result{}, fmt.Errorf("export: write expectations for %s: %w", commandID, err)
	}
	t.mu.Lock()
	delete(t.done, commandID)
	t.mu.Unlock()
	started, err := t.open(ctx, commandID, now)
	if err != nil {
		return Result{}, err
	}
	return Result{CommandID: commandID, Status: StatusIncomplete, Expected: len(dedupPages(recs)), StartedAt: started, CheckedAt: now}, nil
}

// open marks a command pending and, the first time, persists its open
// registration so a restarted tracker resumes joining it.
func (t *Tracker) open(ctx context.Context, commandID string, startedAt time.Time) (time.Time, error) {
	t.mu.Lock()
	started, ok := t.pending[commandID]
	t.mu.Unlock()
	if ok {
		return started, nil
	}
	rec := Registration{CommandID: commandID, Status: StatusIncomplete, StartedAt: startedAt, At: startedAt}
	if err := t.store.PutRegistration(ctx, rec); err != nil {
		return time.Time{}, fmt.Errorf("export: register %s: %w", commandID, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if started, ok := t.pending[commandID]; ok {
		return started, nil
	}
	t.pending[commandID] = startedAt
	return startedAt, nil
}

func (t *Tracker) completeNow(ctx context.Context, commandID string, now time.Time) Result {
	res := Result{CommandID: commandID, Status: StatusComplete, StartedAt: now, CheckedAt: now}
	t.resolve(ctx, res)
	return res
}

// resolve moves a command to the terminal set and persists the outcome. If
// the write fails the export may be notified again after a restart.
func (t *Tracker) resolve(ctx context.Context, res Result) {
	t.mu.Lock()
	delete(t.pending, res.CommandID)
	t.done[res.CommandID] = res
	t.mu.Unlock()
	rec := Registration{
		CommandID: res.CommandID,
		Status:    res.Status,
		Expected:  res.Expected,
		Completed: res.Completed,
		StartedAt: res.StartedAt,
		At:        res.CheckedAt,
	}
	if err := t.store.PutRegistration(ctx, rec); err != nil {
		t.logger.Warn("export outcome not persisted", logpkg.Str("command", res.CommandID), logpkg.Err(err))
	}
}

// Recover rebuilds the pending and terminal sets from the registrations
// written within the window. It returns how many exports are pending.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	now := t.now()
	recs, err := t.store.Registrations(ctx, Window{From: now.Add(-t.cfg.Window), To: now})
	if err != nil {
		return 0, fmt.Errorf("export: recover registrations: %w", err)
	}
	latest := make(map[string]Registration, len(recs))
	first := make(map[string]time.Time, len(recs))
	for _, r := range recs {
		if s, ok := first[r.CommandID]; !ok || r.StartedAt.Before(s) {
			first[r.CommandID] = r.StartedAt
		}
		cur, ok := latest[r.CommandID]
		if !ok || r.At.After(cur.At) || (r.At.Equal(cur.At) && r.Status.Terminal()) {
			latest[r.CommandID] = r
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, r := range latest {
		if r.Status.Terminal() {
			if _, ok := t.pending[id]; !ok {
				t.done[id] = Result{CommandID: id, Status: r.Status, Expected: r.Expected, Completed: r.Completed, StartedAt: r.StartedAt, CheckedAt: r.At}
			}
			continue
		}
		if _, ok := t.done[id]; ok {
			continue
		}
		if started, ok := t.pending[id]; !ok || first[id].Before(started) {
			t.pending[id] = first[id]
		}
	}
	return len(t.pending), nil
}

// ReportPage appends a completion. CompletedAt defaults to the tracker clock.
func (t *Tracker) ReportPage(ctx context.Context, rec Completion) error {
	if rec.CommandID == "" {
		return fmt.Errorf("export: completion without command id")
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = t.now()
	}
	if err := t.store.PutCompletion(ctx, rec); err != nil {
		return fmt.Errorf("export: write completion for %s: %w", rec.CommandID, err)
	}
	return nil
}

// Check joins a command's records. An export is complete when every known
// destination has announced at least one page and every announced page has
// a completion. Keys compare case-insensitively and duplicates count once;
// completions nobody announced are ignored. A TimedOut result is returned
// together with ErrExportTimedOut.
func (t *Tracker) Check(ctx context.Context, commandID string, startedAt, now time.Time) (Result, error) {
	w := Window{From: now.Add(-t.cfg.Window), To: now}
	exps, err := t.store.Expectations(ctx, commandID, w)
	if err != nil {
		return Result{}, err
	}
	cmps, err := t.store.Completions(ctx, commandID, w)
	if err != nil {
		return Result{}, err
	}

	pages := map[Key]int{}
	expected := make(map[Key]struct{}, len(exps))
	for _, e := range exps {
		k := e.Key.normalized()
		d := k.destination()
		if _, ok := pages[d]; !ok {
			pages[d] = 0
		}
		if k.Page <= 0 {
			continue
		}
		if _, dup := expected[k]; !dup {
			expected[k] = struct{}{}
			pages[d]++
		}
	}
	completed := make(map[Key]struct{}, len(cmps))
	finished := map[Key]int{}
	for _, c := range cmps {
		k := c.Key.normalized()
		if _, ok := expected[k]; !ok {
			continue
		}
		if _, dup := completed[k]; !dup {
			completed[k] = struct{}{}
			finished[k.destination()]++
		}
	}
	doneDests := 0
	for d, n := range pages {
		if n > 0 && finished[d] == n {
			doneDests++
		}
	}

	res := Result{
		CommandID:        commandID,
		Expected:         len(expected),
		Completed:        len(completed),
		Destinations:     len(pages),
		DestinationsDone: doneDests,
		StartedAt:        startedAt,
		CheckedAt:        now,
	}
	switch {
	case res.Destinations > 0 && res.DestinationsDone == res.Destinations:
		res.Status = StatusComplete
	case now.Sub(startedAt) >= t.cfg.Timeout:
		res.Status = StatusTimedOut
		return res, fmt.Errorf("%w: %s after %s (%d/%d destinations, %d/%d pages)", ErrExportTimedOut, commandID,
			now.Sub(startedAt), res.DestinationsDone, res.Destinations, res.Completed, res.Expected)
	default:
		res.Status = StatusIncomplete
	}
	return res, nil
}

// Status reports the last terminal result of a command, or joins it now if
// it is still registered. Unknown commands are joined with the earliest
// expectation in the window as their start.
func (t *Tracker) Status(ctx context.Context, commandID string) (Result, error) {
	now := t.now()
	t.mu.Lock()
	res, done := t.done[commandID]
	started, registered := t.pending[commandID]
	t.mu.Unlock()
	if done {
		return res, nil
	}
	if !registered {
		exps, err := t.store.Expectations(ctx, commandID, Window{From: now.Add(-t.cfg.Window), To: now})
		if err != nil {
			return Result{}, err
		}
		if len(exps) == 0 {
			return Result{CommandID: commandID, Status: StatusIncomplete, CheckedAt: now}, nil
		}
		started = exps[0].CreatedAt
		for _, e := range exps[1:] {
			if e.CreatedAt.Before(started) {
				started = e.CreatedAt
			}
		}
	}
	return t.Check(ctx, commandID, started, now)
}

// Pending lists registered commands in ID order.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.pending))
	for id := range t.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run joins registered commands every PollInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep runs one join pass. Terminal commands are notified and unregistered;
// a command whose notification fails stays registered for the next pass.
func (t *Tracker) Sweep(ctx context.Context) {
	now := t.now()
	t.mu.Lock()
	snapshot := make(map[string]time.Time, len(t.pending))
	for id, started := range t.pending {
		snapshot[id] = started
	}
	t.mu.Unlock()

	for id, started := range snapshot {
		res, err := t.Check(ctx, id, started, now)
		if err != nil && res.Status != StatusTimedOut {
			t.logger.Warn("export join failed", logpkg.Str("command", id), logpkg.Err(err))
			continue
		}
		if res.Status == StatusIncomplete {
			continue
		}
		ev := notify.Event{CommandID: id, Expected: res.Expected, Completed: res.Completed, At: now}
		if res.Status == StatusComplete {
			ev.Type = notify.EventExportCompleted
		} else {
			ev.Type = notify.EventExportTimedOut
			ev.Reason = fmt.Sprintf("%d of %d destinations finished before the timeout", res.DestinationsDone, res.Destinations)
		}
		if t.notifier != nil {
			if err := t.notifier.Notify(ctx, ev); err != nil {
				t.logger.Error("export notification failed", logpkg.Str("command", id), logpkg.Err(err))
				continue
			}
		}
		t.resolve(ctx, res)
	}
	t.forget(now)

	if p, ok := t.store.(Pruner); ok {
		if err := p.Prune(ctx, now.Add(-t.cfg.Window)); err != nil {
			t.logger.Warn("export prune failed", logpkg.Err(err))
		}
	}
}

// forget drops terminal results older than the window.
func (t *Tracker) forget(now time.Time) {
	cutoff := now.Add(-t.cfg.Window)
	t.mu.Lock()
	for id, r := range t.done {
		if r.CheckedAt.Before(cutoff) {
			delete(t.done, id)
		}
	}
	t.mu.Unlock()
}

func dedupKeys(recs []Expectation) map[Key]struct{} {
	m := make(map[Key]struct{}, len(recs))
	for _, r := range recs {
		m[r.Key.normalized()] = struct{}{}
	}
	return m
}

func dedupPages(recs []Expectation) map[Key]struct{} {
	m := make(map[Key]struct{}, len(recs))
	for _, r := range recs {
		if r.Key.Page > 0 {
			m[r.Key.normalized()] = struct{}{}
		}
	}
	return m
}
