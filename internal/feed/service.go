// Package feed is the application service behind the HTTP and CLI surfaces.
//
// It ingests commands (resolve, publish, register exports), brokers agent
// leases across every queue backend, and exposes export status, queue
// statistics and dead letters.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/export"
	"github.com/rzbill/cmdfeed/internal/fanout"
	"github.com/rzbill/cmdfeed/internal/lease"
	"github.com/rzbill/cmdfeed/internal/notify"
	"github.com/rzbill/cmdfeed/internal/policy"
	"github.com/rzbill/cmdfeed/internal/queue"
	"github.com/rzbill/cmdfeed/internal/stats"
	"github.com/rzbill/cmdfeed/internal/telemetry"
	logpkg "github.com/rzbill/cmdfeed/pkg/log"
)

// ErrInvalidRequest marks caller mistakes that are not command validation errors.
var ErrInvalidRequest = errors.New("invalid request")

type Deps struct {
	Resolver  policy.Resolver
	Router    *queue.Router
	Leases    *lease.Policy
	Tracker   *export.Tracker
	Publisher fanout.PublisherOptions
	Logger    logpkg.Logger
	Now       func() time.Time
}

type Service struct {
	engine    *fanout.Engine
	resolver  policy.Resolver
	publisher *fanout.Publisher
	router    *queue.Router
	leases    *lease.Policy
	tracker   *export.Tracker
	stats     *stats.Aggregator
	tracer    trace.Tracer
	logger    logpkg.Logger
	now       func() time.Time
}

func New(d Deps) (*Service, error) {
	if d.Resolver == nil || d.Router == nil || d.Leases == nil || d.Tracker == nil {
		return nil, errors.New("feed: resolver, router, leases and tracker are required")
	}
	if d.Logger == nil {
		d.Logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		engine:    fanout.NewEngine(),
		resolver:  d.Resolver,
		publisher: fanout.NewPublisher(d.Router, d.Publisher, d.Logger),
		router:    d.Router,
		leases:    d.Leases,
		tracker:   d.Tracker,
		stats:     stats.NewAggregator(d.Router, d.Now),
		tracer:    telemetry.Tracer(),
		logger:    d.Logger.WithComponent("feed"),
		now:       d.Now,
	}, nil
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IngestResult reports what happened to a command.
type IngestResult struct {
	CommandID    string                `json:"commandId"`
	Destinations []command.Destination `json:"destinations"`
	Enqueued     int                   `json:"enqueued"`
	Duplicates   int                   `json:"duplicates"`
	Failed       []command.Destination `json:"failed,omitempty"`
	Export       *export.Result        `json:"export,omitempty"`
}

// Ingest resolves cmd against policy and publishes one work item per
// destination. Export commands are registered with the tracker together with
// their destinations; an export with no destinations is complete immediately.
// A partial publish returns the result together with fanout.ErrPartialPublish;
// re-ingesting the same command ID only enqueues what is missing.
func (s *Service) Ingest(ctx context.Context, cmd command.Command) (res IngestResult, err error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	ctx, span := s.start(ctx, "feed.Ingest",
		attribute.String("command.id", cmd.ID),
		attribute.String("command.kind", cmd.Kind.String()))
	defer func() { finish(span, err) }()

	now := s.now()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	if err := cmd.Validate(); err != nil {
		return IngestResult{}, err
	}

	dests, err := s.engine.Resolve(ctx, cmd, s.resolver)
	if err != nil {
		return IngestResult{}, err
	}
	res = IngestResult{CommandID: cmd.ID, Destinations: dests}
	span.SetAttributes(attribute.Int("destinations", len(dests)))
	if len(dests) == 0 {
		s.logger.Info("command has no destinations in scope", logpkg.Str("command", cmd.ID), logpkg.Str("kind", cmd.Kind.String()))
	}

	pub, pubErr := s.publisher.Publish(ctx, cmd, dests)
	res.Enqueued = len(pub.Enqueued)
	res.Duplicates = pub.Duplicates()
	res.Failed = pub.Failed

	if cmd.Kind == command.KindExport {
		keys := make([]export.Key, len(dests))
		for i, d := range dests {
			keys[i] = export.Key{AgentID: d.AgentID, AssetGroupID: d.AssetGroupID}
		}
		r, err := s.tracker.Register(ctx, cmd.ID, keys, now)
		if err != nil {
			return res, err
		}
		res.Export = &r
	}
	return res, pubErr
}

// LeaseRequest selects which of an agent's partitions to lease from. Empty
// filters match every partition.
type LeaseRequest struct {
	AgentID      string
	Holder       string
	AssetGroupID string
	Kind         command.Kind
	Moniker      string
	Duration     time.Duration
}

// LeaseNext leases the oldest available item from the first matching
// partition, in moniker order, that has one. It returns nil when none do.
func (s *Service) LeaseNext(ctx context.Context, req LeaseRequest) (item *queue.LeasedItem, err error) {
	if err := command.ValidateIdentifier(req.AgentID); err != nil {
		return nil, fmt.Errorf("%w: agent id: %w", ErrInvalidRequest, err)
	}
	if req.AssetGroupID != "" {
		if err := command.ValidateIdentifier(req.AssetGroupID); err != nil {
			return nil, fmt.Errorf("%w: asset group id: %w", ErrInvalidRequest, err)
		}
	}
	if req.Holder == "" {
		req.Holder = req.AgentID
	}
	ctx, span := s.start(ctx, "feed.LeaseNext", attribute.String("agent.id", req.AgentID))
	defer func() { finish(span, err) }()

	d := s.leases.Resolve(req.AgentID, req.Duration)
	type candidate struct {
		b queue.Backend
		p queue.PartitionInfo
	}
	var cands []candidate
	for _, b := range s.router.All() {
		parts, err := b.Partitions(ctx, req.AgentID)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			if req.Moniker != "" && p.Moniker != req.Moniker {
				continue
			}
			if req.AssetGroupID != "" && !strings.EqualFold(p.AssetGroupID, req.AssetGroupID) {
				continue
			}
			if req.Kind != command.KindNone && p.Kind != req.Kind {
				continue
			}
			cands = append(cands, candidate{b: b, p: p})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].p.Moniker < cands[j].p.Moniker })

	for _, c := range cands {
		item, err := c.b.LeaseNext(ctx, c.p.Moniker, req.Holder, d)
		if err != nil {
			return nil, err
		}
		if item != nil {
			span.SetAttributes(attribute.String("moniker", c.p.Moniker))
			return item, nil
		}
	}
	return nil, nil
}

func (s *Service) backendFor(receipt string) (queue.Backend, queue.Handle, error) {
	h, err := queue.ParseReceipt(receipt)
	if err != nil {
		return nil, h, err
	}
	b, err := s.router.ForHandle(h)
	return b, h, err
}

func (s *Service) Complete(ctx context.Context, receipt, holder string) (err error) {
	ctx, span := s.start(ctx, "feed.Complete")
	defer func() { finish(span, err) }()
	b, h, err := s.backendFor(receipt)
	if err != nil {
		return err
	}
	return b.Complete(ctx, h, holder)
}

// Extend renews a lease for the holder's policy duration, or the requested
// one clamped to the policy bounds, and returns the new receipt.
func (s *Service) Extend(ctx context.Context, receipt, holder string, requested time.Duration) (_ string, err error) {
	ctx, span := s.start(ctx, "feed.Extend")
	defer func() { finish(span, err) }()
	b, h, err := s.backendFor(receipt)
	if err != nil {
		return "", err
	}
	nh, err := b.Extend(ctx, h, holder, s.leases.Resolve(holder, requested))
	if err != nil {
		return "", err
	}
	return nh.Receipt(), nil
}

func (s *Service) Abandon(ctx context.Context, receipt, holder string) (err error) {
	ctx, span := s.start(ctx, "feed.Abandon")
	defer func() { finish(span, err) }()
	b, h, err := s.backendFor(receipt)
	if err != nil {
		return err
	}
	return b.Abandon(ctx, h, holder)
}

func (s *Service) Fail(ctx context.Context, receipt, holder, reason string) (err error) {
	ctx, span := s.start(ctx, "feed.Fail")
	defer func() { finish(span, err) }()
	b, h, err := s.backendFor(receipt)
	if err != nil {
		return err
	}
	return b.Fail(ctx, h, holder, reason)
}

// ExpectPages records that a destination will produce pages 1..pages.
func (s *Service) ExpectPages(ctx context.Context, commandID, agentID, assetGroupID string, pages int) (export.Result, error) {
	if commandID == "" || agentID == "" || assetGroupID == "" || pages < 1 {
		return export.Result{}, fmt.Errorf("%w: command, agent, asset group and a positive page count are required", ErrInvalidRequest)
	}
	keys := make([]export.Key, pages)
	for i := range keys {
		keys[i] = export.Key{AgentID: agentID, AssetGroupID: assetGroupID, Page: i + 1}
	}
	return s.tracker.Expect(ctx, commandID, command.KindExport, keys, s.now())
}

func (s *Service) ReportPage(ctx context.Context, rec export.Completion) (err error) {
	ctx, span := s.start(ctx, "feed.ReportPage", attribute.String("command.id", rec.CommandID))
	defer func() { finish(span, err) }()
	return s.tracker.ReportPage(ctx, rec)
}

// ExportStatus joins the export now. A timed-out export is a result, not an
// error, at this layer.
func (s *Service) ExportStatus(ctx context.Context, commandID string) (export.Result, error) {
	ctx, span := s.start(ctx, "feed.ExportStatus", attribute.String("command.id", commandID))
	res, err := s.tracker.Status(ctx, commandID)
	if errors.Is(err, export.ErrExportTimedOut) {
		err = nil
	}
	finish(span, err)
	return res, err
}

func (s *Service) Statistics(ctx context.Context, agentID string) ([]stats.AssetGroupQueueStatistics, error) {
	return s.stats.GetStatistics(ctx, agentID)
}

// DeadLetters lists dead letters across backends, newest first.
func (s *Service) DeadLetters(ctx context.Context, moniker string, limit int) ([]queue.DeadLetter, error) {
	var out []queue.DeadLetter
	for _, b := range s.router.All() {
		dls, err := b.DeadLetters(ctx, moniker, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, dls...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) Health(ctx context.Context) error { return s.router.Ping(ctx) }

// DeadLetterHook turns queue dead letters into notifications.
func DeadLetterHook(n notify.Notifier, logger logpkg.Logger) func(queue.DeadLetter) {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	}
	return func(dl queue.DeadLetter) {
		ev := notify.Event{
			Type:      notify.EventDeadLettered,
			CommandID: dl.Item.CommandID,
			Moniker:   dl.Item.Moniker,
			AgentID:   dl.Item.AgentID,
			Attempts:  dl.Item.Attempts,
			Reason:    dl.Reason,
			At:        dl.At,
		}
		if err := n.Notify(context.Background(), ev); err != nil {
			logger.Error("dead letter notification failed", logpkg.Str("moniker", dl.Item.Moniker), logpkg.Err(err))
		}
	}
}
