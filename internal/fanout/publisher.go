package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/cmdfeed/internal/command"
	"github.com/rzbill/cmdfeed/internal/queue"
	logpkg "github.com/rzbill/cmdfeed/pkg/log"
)

// ErrPartialPublish reports that some destinations were not enqueued. The
// result lists them in Failed.
var ErrPartialPublish = errors.New("fan-out partially published")

// Envelope is the work item payload an agent receives.
type Envelope struct {
	Command     command.Command     `json:"command"`
	Destination command.Destination `json:"destination"`
}

// PublisherOptions tunes retries and concurrency.
type PublisherOptions struct {
	MaxTries       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Parallelism    int
}

// Published is one destination's enqueue outcome.
type Published struct {
	Destination command.Destination
	Handle      queue.Handle
	Duplicate   bool
}

type PublishResult struct {
	Enqueued []Published
	Failed   []command.Destination
}

// Duplicates counts destinations that were already queued.
func (r PublishResult) Duplicates() int {
	n := 0
	for _, p := range r.Enqueued {
		if p.Duplicate {
			n++
		}
	}
	return n
}

// Publisher enqueues destinations through the queue router.
type Publisher struct {
	router *queue.Router
	opts   PublisherOptions
	logger logpkg.Logger
}

func NewPublisher(router *queue.Router, opts PublisherOptions, logger logpkg.Logger) *Publisher {
	if opts.MaxTries == 0 {
		opts.MaxTries = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	}
	return &Publisher{router: router, opts: opts, logger: logger.WithComponent("publisher")}
}

type outcome struct {
	handle queue.Handle
	dup    bool
}

// Publish enqueues every destination. Transient backend errors are retried
// with exponential backoff; destinations that still fail are returned in
// Failed together with ErrPartialPublish.
func (p *Publisher) Publish(ctx context.Context, cmd command.Command, dests []command.Destination) (PublishResult, error) {
	results := make([]*Published, len(dests))
	errs := make([]error, len(dests))

	var g errgroup.Group
	g.SetLimit(p.opts.Parallelism)
	for i := range dests {
		i := i
		g.Go(func() error {
			res, err := p.publishOne(ctx, cmd, dests[i])
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = &Published{Destination: dests[i], Handle: res.handle, Duplicate: res.dup}
			return nil
		})
	}
	_ = g.Wait()

	var (
		out      PublishResult
		firstErr error
	)
	for i, r := range results {
		if r != nil {
			out.Enqueued = append(out.Enqueued, *r)
			continue
		}
		out.Failed = append(out.Failed, dests[i])
		if firstErr == nil {
			firstErr = errs[i]
		}
		p.logger.Warn("enqueue failed",
			logpkg.Str("command", cmd.ID),
			logpkg.Str("moniker", dests[i].Moniker),
			logpkg.Err(errs[i]))
	}
	if len(out.Failed) > 0 {
		return out, fmt.Errorf("%w: %d of %d destinations: %w", ErrPartialPublish, len(out.Failed), len(dests), firstErr)
	}
	return out, nil
}

func (p *Publisher) publishOne(ctx context.Context, cmd command.Command, d command.Destination) (outcome, error) {
	backend, err := p.router.Backend(d.StorageType)
	if err != nil {
		return outcome{}, err
	}
	payload, err := json.Marshal(Envelope{Command: cmd, Destination: d})
	if err != nil {
		return outcome{}, err
	}
	item := queue.WorkItem{
		CommandID:           cmd.ID,
		AgentID:             d.AgentID,
		AssetGroupID:        d.AssetGroupID,
		AssetGroupQualifier: d.AssetGroupQualifier,
		SubjectType:         d.SubjectType,
		Kind:                d.Kind,
		Payload:             payload,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialBackoff
	b.MaxInterval = p.opts.MaxBackoff

	op := func() (outcome, error) {
		h, dup, err := backend.Enqueue(ctx, d.Moniker, item)
		if err == nil {
			return outcome{handle: h, dup: dup}, nil
		}
		if errors.Is(err, queue.ErrBackendUnavailable) {
			return outcome{}, err
		}
		return outcome{}, backoff.Permanent(err)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.opts.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.logger.Debug("retrying enqueue",
				logpkg.Str("moniker", d.Moniker),
				logpkg.Dur("wait", wait),
				logpkg.Err(err))
		}))
}
