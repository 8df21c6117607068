package mergequeue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/walle/internal/clock"
	"github.com/simplesurance/walle/internal/logfields"
	"github.com/simplesurance/walle/internal/mergequeue/routines"
	"github.com/simplesurance/walle/internal/set"
)

// acceptedCommentMarker is the substring that identifies a past queue
// acknowledgement comment, see acknowledge.
const acceptedCommentMarker = "accepted"

// distantFuture orders pull requests without a recognized acknowledgement
// comment last when bootstrapping the queue.
var distantFuture = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

// Transition is a single state-machine step, handed to subscribers after
// every processed event.
type Transition struct {
	Previous State
	Current  State
}

// Config holds the per-target-branch parameters a MergeService needs.
type Config struct {
	IntegrationLabel        string
	TopPriorityLabels       set.Set[string]
	RequiresAllStatusChecks bool
	StatusChecksTimeout     time.Duration
	BotUser                 string
}

// MergeService drives the merge-queue state machine for a single target
// branch. All state mutation happens on a single goroutine that reads
// from an internal mailbox; effect handlers run concurrently on a small
// worker pool and report their outcome back as further events.
type MergeService struct {
	target BranchRef
	cfg    Config

	gh      GithubClient
	retryer *Retryer
	clk     clock.Clock
	logger  *zap.Logger

	mailbox chan event
	pool    *routines.Pool

	mu    sync.Mutex
	state machineState

	subsMu sync.Mutex
	subs   map[chan Transition]struct{}

	syncMu      sync.Mutex
	syncWaiters map[int]chan struct{}

	statusEvents chan *StatusEvent

	effectCancel context.CancelFunc
	effectKey    string

	isBootstrap bool

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New constructs a MergeService for target. Call Start to begin
// processing.
func New(target BranchRef, cfg Config, gh GithubClient, clk clock.Clock, logger *zap.Logger) *MergeService {
	l := logger.With(target.LogFields()...)

	return &MergeService{
		target:       target,
		cfg:          cfg,
		gh:           gh,
		retryer:      NewRetryer(l, 2*time.Hour),
		clk:          clk,
		logger:       l,
		mailbox:      make(chan event, 64),
		pool:         routines.NewPool(4),
		state:        newMachineState(target),
		subs:         map[chan Transition]struct{}{},
		syncWaiters:  map[int]chan struct{}{},
		statusEvents: make(chan *StatusEvent, 1),
		stopped:      make(chan struct{}),
	}
}

// Start launches the reducer loop and triggers the bootstrap load of
// currently tracked pull requests. afterReboot marks the load as having
// happened after a process restart, which changes the wording of the
// acknowledgement comments posted for pull requests found already
// queued.
func (m *MergeService) Start(ctx context.Context, afterReboot bool) {
	m.isBootstrap = afterReboot

	m.wg.Add(1)
	go m.run(ctx)

	m.pool.Queue(func() { m.loadPullRequests(ctx) })
}

// Stop terminates the reducer loop and waits for in-flight effects to
// finish.
func (m *MergeService) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
	})

	m.wg.Wait()
	m.pool.Wait()
	m.retryer.Stop()
}

// CurrentState returns a snapshot of the service's state machine.
func (m *MergeService) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state.Snapshot()
}

// TracksSource reports whether ref is the source branch of a pull
// request this service currently has queued or is integrating.
func (m *MergeService) TracksSource(ref BranchRef) bool {
	s := m.CurrentState()

	if s.Metadata != nil && s.Metadata.Source == ref {
		return true
	}

	for _, pr := range s.Queue {
		if pr.Source == ref {
			return true
		}
	}

	return false
}

// Subscribe registers ch to receive every future Transition. The caller
// must keep draining ch; Unsubscribe stops delivery.
func (m *MergeService) Subscribe(ch chan Transition) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subs[ch] = struct{}{}
}

// Unsubscribe stops delivery to ch.
func (m *MergeService) Unsubscribe(ch chan Transition) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	delete(m.subs, ch)
}

// Poke nudges the service as a guard against a webhook delivery that
// was missed or dropped: a ready service retries picking up its queue
// head, and an integrating pull request whose merge state is waiting on
// commit checks has them re-evaluated. In every other status it is a
// no-op.
func (m *MergeService) Poke() {
	m.submit(poke{})
}

// SubmitPullRequestAction classifies a host notification about pr and
// feeds the resulting include/exclude event into the reducer.
func (m *MergeService) SubmitPullRequestAction(pr *PullRequest, action PullRequestAction) {
	switch action {
	case ActionClosed:
		m.submit(exclude{number: pr.Number})
		return
	case ActionUnlabeled:
		if !pr.HasLabel(m.cfg.IntegrationLabel) {
			m.submit(exclude{number: pr.Number})
			return
		}
	case ActionSynchronize:
		m.notifySynchronized(pr.Number)
	}

	if !pr.HasLabel(m.cfg.IntegrationLabel) {
		return
	}

	m.submit(include{pr: pr, topPriority: pr.HasAnyLabel(m.cfg.TopPriorityLabels)})
}

// awaitSynchronize registers prNumber to receive a notification the next
// time a synchronize action arrives for it, for effectIntegrating's
// behind-branch wait. The returned done func must be called once the
// wait is over, whether or not it was notified.
func (m *MergeService) awaitSynchronize(prNumber int) (wait <-chan struct{}, done func()) {
	ch := make(chan struct{}, 1)

	m.syncMu.Lock()
	m.syncWaiters[prNumber] = ch
	m.syncMu.Unlock()

	return ch, func() {
		m.syncMu.Lock()
		delete(m.syncWaiters, prNumber)
		m.syncMu.Unlock()
	}
}

func (m *MergeService) notifySynchronized(prNumber int) {
	m.syncMu.Lock()
	ch, ok := m.syncWaiters[prNumber]
	m.syncMu.Unlock()

	if !ok {
		return
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *MergeService) submit(ev event) {
	select {
	case m.mailbox <- ev:
	case <-m.stopped:
	}
}

func (m *MergeService) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case ev := <-m.mailbox:
			m.handle(ctx, ev)
		case <-m.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *MergeService) handle(ctx context.Context, ev event) {
	m.mu.Lock()
	prev := m.state.Snapshot()
	m.state = reduce(m.state, ev)
	cur := m.state.Snapshot()
	topPriority, normal := m.state.queue.TierCounts()
	m.mu.Unlock()

	m.logger.Debug(
		"event processed",
		logfields.Event(ev.eventName()),
		logfields.Status(string(prev.Status)),
	)

	m.notify(prev, cur)
	m.recordQueueMetrics(prev, cur, topPriority, normal)
	m.handleQueueInsertions(ctx, prev, cur)
	m.respawnStatusEffect(ctx, prev, cur)

	if _, ok := ev.(loaded); ok {
		m.isBootstrap = false
	}

	if _, ok := ev.(poke); ok {
		switch {
		case cur.Status == StatusReady:
			m.pool.Queue(func() { m.effectReady(ctx, cur) })
		case cur.Status == StatusIntegrating && cur.Metadata != nil && m.needsCommitChecksEvaluation(cur.Metadata):
			m.pool.Queue(func() { m.evaluateCommitChecks(ctx, cur.Metadata) })
		}
	}
}

func (m *MergeService) recordQueueMetrics(prev, cur State, topPriority, normal int) {
	if len(cur.Queue) > len(prev.Queue) {
		metrics.EnqueueOpsInc(m.target)
	} else if len(cur.Queue) < len(prev.Queue) {
		metrics.DequeueOpsInc(m.target)
	}

	metrics.QueueSizeSet(m.target, topPriority, normal)
}

func (m *MergeService) notify(prev, cur State) {
	if prev.Status == cur.Status && len(prev.Queue) == len(cur.Queue) && prev.Error == cur.Error {
		return
	}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for ch := range m.subs {
		select {
		case ch <- Transition{Previous: prev, Current: cur}:
		default:
		}
	}
}

// respawnStatusEffect cancels whatever status-correlated effect is
// currently running whenever the (status, key) projection of the state
// changes, and spawns the effect for the new projection. This is the
// service's re-spawn-on-change mechanism: repeated feedback about an
// unchanged projection never restarts the effect.
func (m *MergeService) respawnStatusEffect(ctx context.Context, prev, cur State) {
	key := effectKey(cur)

	if key == m.effectKey && prev.Status == cur.Status {
		return
	}

	if m.effectCancel != nil {
		m.effectCancel()
		m.effectCancel = nil
	}

	m.effectKey = key

	if key == "" {
		return
	}

	effCtx, cancel := context.WithCancel(ctx)
	m.effectCancel = cancel

	switch cur.Status {
	case StatusReady:
		m.pool.Queue(func() { m.effectReady(effCtx, cur) })
	case StatusIntegrating:
		m.pool.Queue(func() { m.effectIntegrating(effCtx, cur) })
	case StatusRunningStatusChecks:
		m.pool.Queue(func() { m.effectRunningStatusChecks(effCtx, cur) })
	case StatusIntegrationFailed:
		m.pool.Queue(func() { m.effectIntegrationFailed(effCtx, cur) })
	}
}

func effectKey(s State) string {
	switch s.Status {
	case StatusReady:
		if len(s.Queue) == 0 {
			return ""
		}
		return fmt.Sprintf("ready:%d", s.Queue[0].Number)
	case StatusIntegrating:
		return fmt.Sprintf("integrating:%d:%s", s.Metadata.Number, s.Metadata.MergeState)
	case StatusRunningStatusChecks:
		return fmt.Sprintf("checks:%d", s.Metadata.Number)
	case StatusIntegrationFailed:
		return fmt.Sprintf("failed:%d", s.Metadata.Number)
	default:
		return ""
	}
}

// handleQueueInsertions posts the queue-position acknowledgement comment
// for every pull request newly present in cur.Queue.
func (m *MergeService) handleQueueInsertions(ctx context.Context, prev, cur State) {
	wasQueued := make(map[int]bool, len(prev.Queue))
	for _, pr := range prev.Queue {
		wasQueued[pr.Number] = true
	}
	if prev.Metadata != nil {
		wasQueued[prev.Metadata.Number] = true
	}

	immediate := cur.Metadata == nil

	for i, pr := range cur.Queue {
		if wasQueued[pr.Number] {
			continue
		}

		pos := i
		prCopy := pr
		afterReboot := m.isBootstrap
		handledRightAway := immediate && pos == 0

		m.pool.Queue(func() { m.acknowledge(ctx, prCopy, pos, handledRightAway, afterReboot) })
	}
}

func (m *MergeService) acknowledge(ctx context.Context, pr *PullRequest, pos int, handledRightAway, afterReboot bool) {
	var body string

	if handledRightAway {
		body = "accepted, handled right away"
	} else {
		body = fmt.Sprintf("accepted, currently #%d in the `%s` queue", pos, m.target.Branch)
	}

	if afterReboot {
		body = "WallE just started after a reboot.\n" + body
	}

	if err := m.gh.PostComment(ctx, pr.Target.Repository, pr.Number, body); err != nil {
		m.logger.Error(
			"posting queue acknowledgement comment failed",
			zap.Error(err),
			logfields.PullRequest(pr.Number),
		)
	}
}

func (m *MergeService) loadPullRequests(ctx context.Context) {
	prs, err := m.gh.FetchOpenPullRequests(ctx, m.target.Repository, m.target.Branch, m.cfg.IntegrationLabel)
	if err != nil {
		m.logger.Error("loading tracked pull requests failed", zap.Error(err))
		m.submit(loaded{prs: nil})
		return
	}

	m.submit(loaded{prs: m.orderByAcceptedComment(ctx, prs)})
}

// orderByAcceptedComment sorts prs ascending by the creation date of the
// latest acknowledgement comment (see acknowledge) this bot previously
// posted on each, so a restart resumes the queue in the order pull
// requests were originally accepted into it. Pull requests without a
// recognizable acknowledgement sort last.
func (m *MergeService) orderByAcceptedComment(ctx context.Context, prs []*PullRequest) []*PullRequest {
	botID, haveBotID := parseBotUserID(m.cfg.BotUser)

	type timedPR struct {
		pr *PullRequest
		at time.Time
	}

	entries := make([]timedPR, 0, len(prs))

	for _, pr := range prs {
		at := distantFuture

		comments, err := m.gh.FetchIssueComments(ctx, pr.Target.Repository, pr.Number)
		if err != nil {
			m.logger.Error(
				"fetching issue comments for bootstrap ordering failed",
				zap.Error(err),
				logfields.PullRequest(pr.Number),
			)
		} else if latest, ok := latestAcceptedCommentDate(comments, botID, haveBotID); ok {
			at = latest
		}

		entries = append(entries, timedPR{pr: pr, at: at})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	result := make([]*PullRequest, len(entries))
	for i, e := range entries {
		result[i] = e.pr
	}

	return result
}

// latestAcceptedCommentDate returns the creation date of the most recent
// comment whose body contains acceptedCommentMarker, restricted to
// botUserID when haveBotID is true.
func latestAcceptedCommentDate(comments []*IssueComment, botUserID int64, haveBotID bool) (time.Time, bool) {
	var latest time.Time
	found := false

	for _, c := range comments {
		if haveBotID && c.UserID != botUserID {
			continue
		}

		if !strings.Contains(c.Body, acceptedCommentMarker) {
			continue
		}

		if !found || c.CreatedAt.After(latest) {
			latest = c.CreatedAt
			found = true
		}
	}

	return latest, found
}

// parseBotUserID interprets the configured BotUser as a numeric GitHub
// user ID. An empty or non-numeric value disables the identity filter,
// matching on comment body content alone.
func parseBotUserID(botUser string) (int64, bool) {
	if botUser == "" {
		return 0, false
	}

	id, err := strconv.ParseInt(botUser, 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}
