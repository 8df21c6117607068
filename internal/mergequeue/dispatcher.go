package mergequeue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/walle/internal/clock"
	"github.com/simplesurance/walle/internal/mergequeue/routines"
)

// bootstrapConcurrency bounds how many target branches are loaded
// concurrently on startup.
const bootstrapConcurrency = 8

// defaultPokeInterval is how often the dispatcher pokes every live
// MergeService when NewDispatcher is given a zero pokeInterval.
const defaultPokeInterval = 30 * time.Minute

// Dispatcher owns one MergeService per target branch, routes incoming
// pull-request and status events to the right one, creating services
// lazily on demand, and tears a service down again once it has been
// idle for IdleCleanupDelay.
type Dispatcher struct {
	cfg              Config
	gh               GithubClient
	clk              clock.Clock
	logger           *zap.Logger
	healthcheck      *Healthcheck
	idleCleanupDelay time.Duration

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	services map[BranchRef]*serviceEntry
}

type serviceEntry struct {
	svc         *MergeService
	cancel      context.CancelFunc
	transitions chan Transition
}

// NewDispatcher constructs a Dispatcher. idleCleanupDelay is how long a
// target branch's merge service is kept alive after going idle.
// pokeInterval is how often every live MergeService is poked as a
// backstop against a missed or dropped webhook event; a zero value uses
// defaultPokeInterval.
func NewDispatcher(cfg Config, gh GithubClient, clk clock.Clock, logger *zap.Logger, idleCleanupDelay, pokeInterval time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	if pokeInterval <= 0 {
		pokeInterval = defaultPokeInterval
	}

	d := &Dispatcher{
		cfg:              cfg,
		gh:               gh,
		clk:              clk,
		logger:           logger.Named("dispatcher"),
		healthcheck:      NewHealthcheck(cfg.StatusChecksTimeout, clk),
		idleCleanupDelay: idleCleanupDelay,
		rootCtx:          ctx,
		rootCancel:       cancel,
		services:         map[BranchRef]*serviceEntry{},
	}

	d.wg.Add(1)
	go d.pokeLoop(pokeInterval)

	return d
}

// pokeLoop periodically re-submits integrate-triggering pressure into
// every live MergeService, so a target branch that missed or dropped a
// webhook event still eventually makes progress.
func (d *Dispatcher) pokeLoop(interval time.Duration) {
	defer d.wg.Done()

	timer := d.clk.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C():
			for _, e := range d.snapshotEntries() {
				e.svc.Poke()
			}
			timer.Reset(interval)
		case <-d.rootCtx.Done():
			return
		}
	}
}

// Bootstrap primes a MergeService for every target branch that
// currently has tracked pull requests, so that queue positions and
// in-flight integrations survive a process restart. Pull requests found
// already queued are acknowledged with a reboot notice.
func (d *Dispatcher) Bootstrap(ctx context.Context, targets []BranchRef) {
	pool := routines.NewPool(bootstrapConcurrency)

	for _, t := range targets {
		t := t
		pool.Queue(func() {
			d.getOrCreate(ctx, t, true)
		})
	}

	pool.Wait()
}

// DispatchPullRequestAction routes a pull-request change to the service
// owning pr's target branch, creating it on demand.
func (d *Dispatcher) DispatchPullRequestAction(ctx context.Context, pr *PullRequest, action PullRequestAction) {
	metrics.ProcessedEventsInc()

	entry := d.getOrCreate(ctx, pr.Target, false)
	entry.svc.SubmitPullRequestAction(pr, action)
}

// DispatchStatusEvent forwards a status-check update to every currently
// running merge service whose integrating pull request's source branch
// matches the event. Iterating over all services is intentionally
// simple: the number of target branches with an in-flight integration
// at any moment is small.
func (d *Dispatcher) DispatchStatusEvent(ctx context.Context, ev *StatusEvent) {
	metrics.ProcessedEventsInc()

	for _, entry := range d.snapshotEntries() {
		if entry.svc.TracksSource(ev.BranchRef) {
			entry.svc.SubmitStatusEvent(ctx, ev)
		}
	}
}

func (d *Dispatcher) snapshotEntries() []*serviceEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make([]*serviceEntry, 0, len(d.services))
	for _, e := range d.services {
		result = append(result, e)
	}

	return result
}

func (d *Dispatcher) getOrCreate(ctx context.Context, target BranchRef, afterReboot bool) *serviceEntry {
	d.mu.Lock()
	if e, ok := d.services[target]; ok {
		d.mu.Unlock()
		return e
	}
	d.mu.Unlock()

	svcCtx, cancel := context.WithCancel(d.rootCtx)
	svc := New(target, d.cfg, d.gh, d.clk, d.logger)

	entry := &serviceEntry{
		svc:         svc,
		cancel:      cancel,
		transitions: make(chan Transition, 32),
	}
	svc.Subscribe(entry.transitions)

	d.mu.Lock()
	if existing, ok := d.services[target]; ok {
		d.mu.Unlock()
		cancel()
		return existing
	}
	d.services[target] = entry
	d.mu.Unlock()

	d.logger.Info("target branch tracking started", target.LogFields()...)

	svc.Start(svcCtx, afterReboot)
	go d.watch(target, entry)

	return entry
}

// watch feeds transitions to the healthcheck and tears the service down
// once it has been continuously idle for idleCleanupDelay.
func (d *Dispatcher) watch(target BranchRef, entry *serviceEntry) {
	idleTimer := d.clk.NewTimer(d.idleCleanupDelay)
	idleTimer.Stop()
	defer idleTimer.Stop()

	for {
		select {
		case t, ok := <-entry.transitions:
			if !ok {
				return
			}

			d.healthcheck.Observe(target, t)

			if t.Current.Status == StatusIdle {
				idleTimer.Reset(d.idleCleanupDelay)
			} else {
				idleTimer.Stop()
			}

		case <-idleTimer.C():
			d.teardownIfIdle(target)
			return
		}
	}
}

func (d *Dispatcher) teardownIfIdle(target BranchRef) {
	d.mu.Lock()
	entry, ok := d.services[target]
	if !ok {
		d.mu.Unlock()
		return
	}

	if entry.svc.CurrentState().Status != StatusIdle {
		d.mu.Unlock()
		return
	}

	delete(d.services, target)
	d.mu.Unlock()

	d.logger.Info("target branch tracking stopped, idle timeout expired", target.LogFields()...)

	entry.cancel()
	entry.svc.Stop()
	entry.svc.Unsubscribe(entry.transitions)
	d.healthcheck.Forget(target)
}

// State returns the current state of every tracked target branch.
func (d *Dispatcher) State() map[BranchRef]State {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make(map[BranchRef]State, len(d.services))
	for target, entry := range d.services {
		result[target] = entry.svc.CurrentState()
	}

	return result
}

// Healthy reports whether every tracked target branch is healthy.
func (d *Dispatcher) Healthy() bool {
	return d.healthcheck.Healthy()
}

// HealthStatus returns the per-branch health used by the HTTP status
// surface.
func (d *Dispatcher) HealthStatus() map[BranchRef]bool {
	return d.healthcheck.Status()
}

// Stop tears down every tracked merge service.
func (d *Dispatcher) Stop() {
	d.rootCancel()
	d.wg.Wait()

	d.mu.Lock()
	entries := make([]*serviceEntry, 0, len(d.services))
	for _, e := range d.services {
		entries = append(entries, e)
	}
	d.services = map[BranchRef]*serviceEntry{}
	d.mu.Unlock()

	for _, e := range entries {
		e.svc.Stop()
	}

	d.healthcheck.Stop()
}
