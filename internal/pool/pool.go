// Package pool buffers slash votes and hands them to a publisher in the
// order they were raised. With an outbox every vote is written there before
// it is queued, and the outbox cursor only moves once a batch is published,
// so votes left unpublished at shutdown are restored on the next start.
package pool

import (
	"cmp"
	"context"
	errs "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dmitrorezn/bundler-validator/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, votes []domain.SlashVote) error
}

// Outbox is the durable record of votes. Its unpublished votes are in the
// same order as the pool queue.
type Outbox interface {
	Append(vote domain.SlashVote) error
	Unpublished() ([]domain.SlashVote, error)
	MarkPublished(n int) error
}

type VotePool struct {
	buffer             *queue[domain.SlashVote]
	publisher          Publisher
	outbox             Outbox
	submitMu           sync.Mutex
	batchSize          int
	flushInterval      time.Duration
	forceFlushBuffer   chan struct{}
	quit               chan struct{}
	closed             atomic.Bool
	mut                sync.Mutex
	heartbeatFrequency time.Duration
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
)

var ErrClosed = errs.New("pool closed")
var ErrAlreadyClosed = errs.New("pool already closed")

// NewVotePool builds a pool. outbox may be nil, votes are then only held in
// memory.
func NewVotePool(publisher Publisher, outbox Outbox, capacity int64, flushInterval time.Duration) *VotePool {
	return &VotePool{
		buffer:             newQueue[domain.SlashVote](int(cmp.Or(capacity, defaultBatchSize*10))),
		publisher:          publisher,
		outbox:             outbox,
		batchSize:          defaultBatchSize,
		flushInterval:      cmp.Or(flushInterval, defaultFlushInterval),
		forceFlushBuffer:   make(chan struct{}, 1),
		quit:               make(chan struct{}),
		heartbeatFrequency: time.Minute,
	}
}

// Restore queues the votes the outbox holds as unpublished. It is called
// once, before Run.
func (p *VotePool) Restore() (int, error) {
	if p.outbox == nil {
		return 0, nil
	}
	p.submitMu.Lock()
	defer p.submitMu.Unlock()

	votes, err := p.outbox.Unpublished()
	if err != nil {
		return 0, errors.Wrap(err, "Unpublished")
	}
	p.buffer.Load(votes)
	pendingVotes.Set(float64(p.buffer.Size()))

	return len(votes), nil
}

// Submit records and queues a vote. It implements the slasher sink.
func (p *VotePool) Submit(_ context.Context, vote domain.SlashVote) error {
	if p.isClosed() {
		return ErrClosed
	}
	p.submitMu.Lock()
	defer p.submitMu.Unlock()

	if p.buffer.Full() {
		return errors.Wrap(ErrQueueFull, "Push")
	}
	if p.outbox != nil {
		if err := p.outbox.Append(vote); err != nil {
			return errors.Wrap(err, "Append")
		}
	}
	if err := p.buffer.Push(vote); err != nil {
		return errors.Wrap(err, "Push")
	}
	pendingVotes.Set(float64(p.buffer.Size()))
	if p.buffer.Size() >= p.batchSize {
		p.Sync()
	}

	return nil
}

// Flush publishes everything queued. Votes stay queued when publishing
// fails.
func (p *VotePool) Flush(ctx context.Context) error {
	p.mut.Lock()
	defer p.mut.Unlock()

	for p.buffer.Size() > 0 {
		batch := p.buffer.Peek(p.batchSize)
		if err := p.publisher.Publish(ctx, batch); err != nil {
			return errors.Wrap(err, "Publish")
		}
		p.buffer.Discard(len(batch))
		publishedVotes.Add(float64(len(batch)))
		pendingVotes.Set(float64(p.buffer.Size()))
		if p.outbox != nil {
			if err := p.outbox.MarkPublished(len(batch)); err != nil {
				return errors.Wrap(err, "MarkPublished")
			}
		}
	}

	return nil
}

// Run flushes on a timer and on demand until ctx is done or the pool is
// closed, then makes a last attempt to flush.
func (p *VotePool) Run(ctx context.Context) error {
	flushTimer := time.NewTicker(p.flushInterval)
	defer flushTimer.Stop()

	heartbeat := time.NewTicker(p.heartbeatFrequency)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			log.WithField("pending", p.buffer.Size()).Debug("Vote pool alive")

			continue
		case <-ctx.Done():
			return p.drain(ctx.Err())
		case <-p.quit:
			return p.drain(ErrClosed)
		case <-p.forceFlushBuffer:
		case <-flushTimer.C:
		}
		if err := p.Flush(ctx); err != nil {
			log.WithError(err).WithField("pending", p.buffer.Size()).Error("Could not publish slash votes")
		}
	}
}

func (p *VotePool) drain(reason error) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.flushInterval)
	defer cancel()

	if err := p.Flush(ctx); err != nil {
		entry := log.WithError(err).WithField("pending", p.buffer.Size())
		if p.outbox != nil {
			entry.Warn("Slash votes left unpublished, they are restored on restart")
		} else {
			entry.Error("Slash votes left unpublished")
		}
	}
	if errors.Is(reason, context.Canceled) || errors.Is(reason, ErrClosed) {
		return nil
	}

	return reason
}

func (p *VotePool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	close(p.quit)

	return nil
}

func (p *VotePool) Sync() {
	select {
	case p.forceFlushBuffer <- struct{}{}:
	default:
	}
}

func (p *VotePool) Pending() int {
	return p.buffer.Size()
}

func (p *VotePool) isClosed() bool {
	return p.closed.Load()
}
