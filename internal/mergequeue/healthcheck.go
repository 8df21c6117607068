package mergequeue

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/simplesurance/walle/internal/clock"
)

// degradationFactor is how much longer than a single status-checks
// timeout a target branch may go without a state transition before its
// merge service is considered stuck.
const degradationFactor = 1.5

// Healthcheck derives per-target-branch health from the stream of state
// transitions a MergeService produces. A branch that is starting or idle
// is always healthy, since there is nothing in flight for it to be stuck
// on. Any other status must keep transitioning: if
// degradationFactor*statusChecksTimeout elapses without one, the branch
// is reported unhealthy until it transitions again.
type Healthcheck struct {
	timeout time.Duration
	clk     clock.Clock

	mu       sync.Mutex
	watchers map[BranchRef]*branchWatcher
}

type branchWatcher struct {
	branch BranchRef
	// reset carries whether the degradation timer should be (re)armed
	// (true) or suspended (false) for the transition just observed.
	reset   chan bool
	stop    chan struct{}
	healthy atomic.Bool
}

func (w *branchWatcher) setHealthy(v bool) {
	w.healthy.Store(v)
	metrics.HealthStatusSet(w.branch, v)
}

func (w *branchWatcher) isHealthy() bool {
	return w.healthy.Load()
}

// NewHealthcheck returns a Healthcheck that degrades a branch after
// degradationFactor*statusChecksTimeout without a transition.
func NewHealthcheck(statusChecksTimeout time.Duration, clk clock.Clock) *Healthcheck {
	return &Healthcheck{
		timeout:  time.Duration(float64(statusChecksTimeout) * degradationFactor),
		clk:      clk,
		watchers: map[BranchRef]*branchWatcher{},
	}
}

// Observe records a transition for branch, marking it healthy. A branch
// currently starting or idle has nothing to be stuck on, so its
// degradation timer is suspended rather than rearmed; any other status
// rearms it.
func (h *Healthcheck) Observe(branch BranchRef, t Transition) {
	if t.Previous.Status == t.Current.Status &&
		len(t.Previous.Queue) == len(t.Current.Queue) &&
		t.Previous.Error == t.Current.Error {
		return
	}

	w := h.watcherFor(branch)
	w.setHealthy(true)

	armed := t.Current.Status != StatusStarting && t.Current.Status != StatusIdle

	select {
	case w.reset <- armed:
	case <-w.stop:
	}
}

func (h *Healthcheck) watcherFor(branch BranchRef) *branchWatcher {
	h.mu.Lock()
	defer h.mu.Unlock()

	if w, ok := h.watchers[branch]; ok {
		return w
	}

	w := &branchWatcher{
		branch: branch,
		reset:  make(chan bool),
		stop:   make(chan struct{}),
	}
	w.setHealthy(true)
	h.watchers[branch] = w

	go h.run(w)

	return w
}

// run starts with no degradation timer armed: a freshly observed branch
// is starting or idle until Observe says otherwise.
func (h *Healthcheck) run(w *branchWatcher) {
	var timer clock.Timer
	var timerC <-chan time.Time

	for {
		select {
		case armed := <-w.reset:
			if timer != nil {
				timer.Stop()
				timer = nil
				timerC = nil
			}

			if armed {
				timer = h.clk.NewTimer(h.timeout)
				timerC = timer.C()
			}
		case <-timerC:
			w.setHealthy(false)
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Forget stops tracking branch, e.g. once its merge service has been
// torn down for being idle.
func (h *Healthcheck) Forget(branch BranchRef) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, ok := h.watchers[branch]
	if !ok {
		return
	}

	close(w.stop)
	delete(h.watchers, branch)
	metrics.DeleteHealthStatus(branch)
}

// Healthy reports whether every currently tracked branch is healthy.
func (h *Healthcheck) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, w := range h.watchers {
		if !w.isHealthy() {
			return false
		}
	}

	return true
}

// Status returns the per-branch health used by the HTTP status surface.
func (h *Healthcheck) Status() map[BranchRef]bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make(map[BranchRef]bool, len(h.watchers))
	for branch, w := range h.watchers {
		result[branch] = w.isHealthy()
	}

	return result
}

// Stop releases every per-branch watcher goroutine.
func (h *Healthcheck) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for branch, w := range h.watchers {
		close(w.stop)
		delete(h.watchers, branch)
		metrics.DeleteHealthStatus(branch)
	}
}
