package pool

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxpool/config"
	"github.com/isdmx/sandboxpool/future"
	"github.com/isdmx/sandboxpool/sandbox"
)

var (
	// ErrAlreadyStreaming is returned when StreamSandboxes is called twice on one pool
	ErrAlreadyStreaming = errors.New("sandboxes are already being streamed")
	// ErrPoolDisposed is returned when StreamSandboxes is called after DisposeAll
	ErrPoolDisposed = errors.New("pool is disposed")
	// ErrStreamConsumed is yielded when a sandbox sequence is ranged over a second time
	ErrStreamConsumed = errors.New("sandbox stream already consumed")
)

// Option configures a Pool
type Option func(*Pool)

// WithCPUCounter replaces the live CPU count used to compute the limit
func WithCPUCounter(counter CPUCounter) Option {
	return func(p *Pool) {
		p.cpuCount = counter
	}
}

// WithMetrics records pool activity in m
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// entry tracks one slot. creation is registered before it settles so that
// DisposeAll can wait for sandboxes nobody has received yet.
type entry struct {
	slot     int
	creation *future.Future[sandbox.Sandbox]
}

// SlotState is a point-in-time view of one registry entry
type SlotState struct {
	Index     int
	Settled   bool
	Ready     bool
	SandboxID string
	WorkDir   string
	Err       error
}

// Pool creates up to a bounded number of sandboxes concurrently, hands each
// one out as soon as it is ready and tears all of them down together.
// A Pool streams once; afterwards only DisposeAll and Slots are useful.
type Pool struct {
	logger    *zap.Logger
	cfg       *config.Config
	framework *sandbox.TestFramework
	files     []sandbox.InputFile
	factory   sandbox.Factory
	cpuCount  CPUCounter
	metrics   *Metrics

	mu        sync.Mutex
	limit     int
	streaming bool
	registry  []*entry
	disposal  *future.Future[struct{}]
}

type outcome struct {
	sandbox sandbox.Sandbox
	err     error
}

// New creates a dormant pool. Nothing is created until StreamSandboxes.
func New(
	logger *zap.Logger,
	cfg *config.Config,
	framework *sandbox.TestFramework,
	files []sandbox.InputFile,
	factory sandbox.Factory,
	opts ...Option,
) *Pool {
	p := &Pool{
		logger:    logger,
		cfg:       cfg,
		framework: framework,
		files:     files,
		factory:   factory,
		cpuCount:  LiveCPUCount,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Limit returns the concurrency limit, or 0 before streaming started
func (p *Pool) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// PlannedLimit returns the limit StreamSandboxes uses, or would use if it
// were called now. It creates nothing.
func (p *Pool) PlannedLimit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streaming {
		return p.limit
	}
	return ComputeLimit(p.cfg.Runner.MaxConcurrentTestRunners, p.cpuCount(), p.cfg.TranspilersPresent())
}

// StreamSandboxes starts creating every sandbox at once and returns a
// single-pass sequence yielding them in the order they become ready.
//
// A failed creation ends the sequence with that error; the remaining
// creations keep running and are still disposed by DisposeAll. ctx only
// bounds how long the consumer waits, it never cancels a creation.
func (p *Pool) StreamSandboxes(ctx context.Context) (iter.Seq2[sandbox.Sandbox, error], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposal != nil {
		return nil, ErrPoolDisposed
	}
	if p.streaming {
		return nil, ErrAlreadyStreaming
	}
	p.streaming = true

	cpus := p.cpuCount()
	p.limit = ComputeLimit(p.cfg.Runner.MaxConcurrentTestRunners, cpus, p.cfg.TranspilersPresent())
	p.metrics.setLimit(p.limit)

	p.logger.Info("streaming sandboxes",
		zap.Int("limit", p.limit),
		zap.Int("cpus", cpus),
		zap.Int("max_concurrent_test_runners", p.cfg.Runner.MaxConcurrentTestRunners),
		zap.Strings("transpilers", p.cfg.Runner.Transpilers))

	createCtx := context.WithoutCancel(ctx)
	results := make(chan outcome, p.limit)
	p.registry = make([]*entry, 0, p.limit)
	for slot := range p.limit {
		e := &entry{slot: slot}
		e.creation = future.Go(func() (sandbox.Sandbox, error) {
			return p.create(createCtx, slot)
		})
		p.registry = append(p.registry, e)
		go deliver(e, results)
	}

	return stream(ctx, results, p.limit), nil
}

func (p *Pool) create(ctx context.Context, slot int) (sandbox.Sandbox, error) {
	p.logger.Debug("creating sandbox", zap.Int("slot", slot))

	started := time.Now()
	sb, err := p.factory.Create(ctx, p.cfg, slot, p.files, p.framework)
	if err == nil && sb == nil {
		err = errors.New("factory returned no sandbox")
	}
	p.metrics.observeCreation(started, err)

	if err != nil {
		p.logger.Warn("sandbox creation failed", zap.Int("slot", slot), zap.Error(err))
		return nil, fmt.Errorf("creating sandbox %d: %w", slot, err)
	}

	p.logger.Info("sandbox ready",
		zap.Int("slot", slot),
		zap.String("id", sb.ID()),
		zap.Duration("took", time.Since(started)))
	return sb, nil
}

// deliver emits the outcome of e once it settles. results has room for
// every slot, so this never blocks on the consumer.
func deliver(e *entry, results chan<- outcome) {
	sb, err := e.creation.Wait()
	results <- outcome{sandbox: sb, err: err}
}

func stream(ctx context.Context, results <-chan outcome, limit int) iter.Seq2[sandbox.Sandbox, error] {
	var consumed atomic.Bool
	return func(yield func(sandbox.Sandbox, error) bool) {
		if consumed.Swap(true) {
			yield(nil, ErrStreamConsumed)
			return
		}
		for range limit {
			select {
			case o := <-results:
				if o.err != nil {
					yield(nil, o.err)
					return
				}
				if !yield(o.sandbox, nil) {
					return
				}
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// DisposeAll waits for every creation that was started, including ones no
// consumer has seen yet, then disposes every sandbox that was created.
// Disposals run concurrently and all of them are attempted; their failures
// are combined into the returned error. Later calls wait for and return the
// result of the first one without disposing anything again.
//
// Waiting is not bounded by ctx; it is only passed on to Dispose.
func (p *Pool) DisposeAll(ctx context.Context) error {
	p.mu.Lock()
	if p.disposal != nil {
		disposal := p.disposal
		p.mu.Unlock()
		_, err := disposal.Wait()
		return err
	}
	disposal := future.New[struct{}]()
	p.disposal = disposal
	registry := slices.Clone(p.registry)
	p.mu.Unlock()

	if err := p.disposeAll(ctx, registry); err != nil {
		disposal.Reject(err)
		return err
	}
	disposal.Resolve(struct{}{})
	return nil
}

func (p *Pool) disposeAll(ctx context.Context, registry []*entry) error {
	if len(registry) == 0 {
		return nil
	}

	type created struct {
		slot    int
		sandbox sandbox.Sandbox
	}
	sandboxes := make([]created, 0, len(registry))
	for _, e := range registry {
		if sb, err := e.creation.Wait(); err == nil {
			sandboxes = append(sandboxes, created{slot: e.slot, sandbox: sb})
		}
	}

	p.logger.Info("disposing sandboxes",
		zap.Int("created", len(sandboxes)),
		zap.Int("failed", len(registry)-len(sandboxes)))

	errs := make([]error, len(sandboxes))
	var wg conc.WaitGroup
	for i, c := range sandboxes {
		wg.Go(func() {
			err := c.sandbox.Dispose(ctx)
			p.metrics.observeDisposal(err)
			if err != nil {
				p.logger.Warn("sandbox disposal failed", zap.Int("slot", c.slot), zap.Error(err))
				errs[i] = fmt.Errorf("disposing sandbox %d: %w", c.slot, err)
			}
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		errs = append(errs, fmt.Errorf("disposing sandboxes: %w", r.AsError()))
	}

	return multierr.Combine(errs...)
}

// Slots returns the state of every registry entry in slot order
func (p *Pool) Slots() []SlotState {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make([]SlotState, 0, len(p.registry))
	for _, e := range p.registry {
		state := SlotState{Index: e.slot, Settled: e.creation.Settled()}
		if !state.Settled {
			states = append(states, state)
			continue
		}
		sb, err := e.creation.Wait()
		if err != nil {
			state.Err = err
		} else {
			state.Ready = true
			state.SandboxID = sb.ID()
			state.WorkDir = sb.WorkDir()
		}
		states = append(states, state)
	}
	return states
}
