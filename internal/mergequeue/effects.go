package mergequeue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/simplesurance/walle/internal/clock"
	"github.com/simplesurance/walle/internal/logfields"
)

// effectReady picks the head of the queue, fetches its current merge
// state, and hands it off to the integrating state.
func (m *MergeService) effectReady(ctx context.Context, s State) {
	if len(s.Queue) == 0 {
		return
	}

	head := s.Queue[0]

	meta, err := m.gh.FetchPullRequest(ctx, head.Target.Repository, head.Number)
	if err != nil {
		m.logger.Error("fetching pull request metadata failed", zap.Error(err), logfields.PullRequest(head.Number))
		return
	}

	m.submit(integrate{meta: meta})
}

// synchronizeTimeout bounds how long effectIntegrating waits for GitHub
// to deliver the synchronize webhook action confirming an UpdateBranch
// call landed, before giving up on the integration attempt.
const synchronizeTimeout = 60 * time.Second

// needsCommitChecksEvaluation reports whether meta's merge state requires
// fetching commit status checks before the integration can proceed:
// blocked always does, unstable only when every check (not just the
// required ones) has to pass.
func (m *MergeService) needsCommitChecksEvaluation(meta *PullRequestMetadata) bool {
	switch meta.MergeState {
	case MergeStateBlocked:
		return true
	case MergeStateUnstable:
		return m.cfg.RequiresAllStatusChecks
	default:
		return false
	}
}

// effectIntegrating inspects the integrating pull request's current
// merge state: clean (or unstable, when non-required checks don't block
// a merge) merges right away, dirty fails immediately, behind brings the
// source branch up to date and hands off to runningStatusChecks, and
// blocked/unstable-with-required-checks/unknown each get their own
// resolution path below. It is re-entered whenever the merge state
// changes, including after a freshly fetched one reports clean.
func (m *MergeService) effectIntegrating(ctx context.Context, s State) {
	meta := s.Metadata

	switch {
	case meta.MergeState == MergeStateDirty:
		m.submit(integrationFailed{meta: meta, reason: FailureConflicts})
		return
	case meta.MergeState == MergeStateClean:
		m.merge(ctx, meta)
		return
	case meta.MergeState == MergeStateUnstable && !m.cfg.RequiresAllStatusChecks:
		m.merge(ctx, meta)
		return
	case m.needsCommitChecksEvaluation(meta):
		m.evaluateCommitChecks(ctx, meta)
		return
	case meta.MergeState == MergeStateUnknown:
		m.resolveUnknownMergeState(ctx, meta)
		return
	}

	var result MergeResult

	err := m.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = m.gh.UpdateBranch(ctx, meta.PullRequest)
		return err
	}, meta.LogFields)

	if err != nil {
		if isContextErr(err) {
			return
		}

		m.submit(integrationFailed{meta: meta, reason: FailureSynchronizationFailed})
		return
	}

	if result == MergeResultConflict {
		m.submit(integrationFailed{meta: meta, reason: FailureConflicts})
		return
	}

	wait, done := m.awaitSynchronize(meta.Number)
	defer done()

	timer := m.clk.NewTimer(synchronizeTimeout)
	defer timer.Stop()

	select {
	case <-wait:
	case <-timer.C():
		m.submit(integrationFailed{meta: meta, reason: FailureSynchronizationFailed})
		return
	case <-ctx.Done():
		return
	}

	refreshed, err := m.gh.FetchPullRequest(ctx, meta.Target.Repository, meta.Number)
	if err != nil {
		m.submit(integrationFailed{meta: meta, reason: FailureCheckingCommitChecksFailed})
		return
	}

	m.submit(integrationUpdating{meta: refreshed})
}

// evaluateCommitChecks is entered when the integrating pull request's
// merge state is blocked or unstable: its source branch is already up
// to date, but GitHub has not yet settled on a final commit status. It
// leaves the status machine in StatusIntegrating and waits to be
// re-entered by a fresh status event or the periodic poke, rather than
// running its own timer, since checks here are running against a
// commit this service did not just push.
func (m *MergeService) evaluateCommitChecks(ctx context.Context, meta *PullRequestMetadata) {
	combined, err := m.fetchCombinedCIStatus(ctx, meta)
	if err != nil {
		m.submit(integrationFailed{meta: meta, reason: FailureCheckingCommitChecksFailed})
		return
	}

	switch combined {
	case CIStatusPending:
		return
	case CIStatusFailure:
		m.submit(integrationFailed{meta: meta, reason: FailureChecksFailing})
		return
	case CIStatusSuccess:
	}

	refreshed, err := m.gh.FetchPullRequest(ctx, meta.Target.Repository, meta.Number)
	if err != nil {
		m.submit(integrationFailed{meta: meta, reason: FailureCheckingCommitChecksFailed})
		return
	}

	if refreshed.MergeState == MergeStateClean {
		m.submit(retryIntegration{meta: refreshed})
		return
	}

	m.submit(integrationFailed{meta: refreshed, reason: FailureBlocked})
}

// resolveUnknownMergeState is entered when GitHub has not finished
// computing the integrating pull request's merge state. It is refetched
// a handful of times with a fixed delay before giving up.
func (m *MergeService) resolveUnknownMergeState(ctx context.Context, meta *PullRequestMetadata) {
	const (
		maxAttempts = 4
		retryDelay  = 30 * time.Second
	)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		timer := m.clk.NewTimer(retryDelay)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()

		refreshed, err := m.gh.FetchPullRequest(ctx, meta.Target.Repository, meta.Number)
		if err != nil {
			m.submit(integrationFailed{meta: meta, reason: FailureUnknown})
			return
		}

		if refreshed.MergeState != MergeStateUnknown {
			m.submit(retryIntegration{meta: refreshed})
			return
		}
	}

	m.submit(integrationFailed{meta: meta, reason: FailureUnknown})
}

func (m *MergeService) merge(ctx context.Context, meta *PullRequestMetadata) {
	err := m.retryer.Run(ctx, func(ctx context.Context) error {
		return m.gh.MergePullRequest(ctx, meta.PullRequest, meta.HeadSHA)
	}, meta.LogFields)

	if err != nil {
		if isContextErr(err) {
			return
		}

		metrics.IntegrationResultInc(meta.Target, "failure")
		m.submit(integrationFailed{meta: meta, reason: FailureMergeFailed})
		return
	}

	metrics.IntegrationResultInc(meta.Target, "success")
	m.submit(integrationDone{})
}

// additionalStatusChecksGracePeriod absorbs a burst of newly arriving
// status events into a single refetch-and-recombine, instead of hitting
// the host once per event.
const additionalStatusChecksGracePeriod = 60 * time.Second

// effectRunningStatusChecks evaluates the integrating pull request's
// status checks once immediately (covering checks that already
// completed before this state was entered), then waits for either the
// configured overall timeout, or a fresh qualifying status event
// delivered through m.statusEvents. Status events are debounced by
// additionalStatusChecksGracePeriod: the actual re-evaluation only runs
// once that period passes without another one arriving.
func (m *MergeService) effectRunningStatusChecks(ctx context.Context, s State) {
	meta := s.Metadata

	m.evaluateStatusChecks(ctx, meta)

	overall := m.clk.NewTimer(m.cfg.StatusChecksTimeout)
	defer overall.Stop()

	var debounce clock.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-m.statusEvents:
			if debounce != nil {
				debounce.Stop()
			}
			debounce = m.clk.NewTimer(additionalStatusChecksGracePeriod)
			debounceC = debounce.C()

		case <-debounceC:
			m.evaluateStatusChecks(ctx, meta)
			debounce = nil
			debounceC = nil

		case <-overall.C():
			m.submit(statusChecksTimedOut{meta: meta})
			return

		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (m *MergeService) evaluateStatusChecks(ctx context.Context, meta *PullRequestMetadata) {
	combined, err := m.fetchCombinedCIStatus(ctx, meta)
	if err != nil {
		m.logger.Error("fetching status checks failed", zap.Error(err), logfields.PullRequest(meta.Number))
		return
	}

	switch combined {
	case CIStatusSuccess:
		m.submit(statusChecksPassed{meta: meta})
	case CIStatusFailure:
		m.submit(statusChecksFailed{meta: meta})
	case CIStatusPending:
	}
}

// fetchCombinedCIStatus fetches meta's status checks and combines the
// ones this service cares about (every check if all are required,
// otherwise just the required ones) into a single verdict.
func (m *MergeService) fetchCombinedCIStatus(ctx context.Context, meta *PullRequestMetadata) (CIStatus, error) {
	checks, err := m.gh.FetchAllStatusChecks(ctx, meta.Target.Repository, meta.Number, meta.HeadSHA)
	if err != nil {
		return "", err
	}

	states := make([]CIStatus, 0, len(checks))
	for _, c := range checks {
		if m.cfg.RequiresAllStatusChecks || c.Required {
			states = append(states, c.State)
		}
	}

	return CombineCIStatus(states), nil
}

// SubmitStatusEvent feeds a qualifying status event (non-pending, on the
// integrating pull request's source branch) into the running effect
// that cares about it: effectRunningStatusChecks debounces it before
// re-evaluating, while a blocked/unstable integrating pull request is
// re-evaluated directly, since it isn't running its own status-event
// loop.
func (m *MergeService) SubmitStatusEvent(ctx context.Context, ev *StatusEvent) {
	if ev.State == StatusStatePending {
		return
	}

	s := m.CurrentState()

	if s.Metadata == nil || !ev.IsRelative(s.Metadata.Source) {
		return
	}

	meta := s.Metadata

	switch s.Status {
	case StatusRunningStatusChecks:
		select {
		case m.statusEvents <- ev:
		default:
		}
	case StatusIntegrating:
		if m.needsCommitChecksEvaluation(meta) {
			m.pool.Queue(func() { m.evaluateCommitChecks(ctx, meta) })
		}
	}
}

// effectIntegrationFailed reports the failed integration attempt on the
// pull request and removes the integration label, so the author has to
// re-apply it to retry.
func (m *MergeService) effectIntegrationFailed(ctx context.Context, s State) {
	meta := s.Metadata
	body := fmt.Sprintf("@%s unfortunately the integration failed with code: `%s`.", meta.Author, s.Error)

	var commentErr, labelErr error
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		commentErr = m.gh.PostComment(ctx, meta.Target.Repository, meta.Number, body)
	}()
	go func() {
		defer wg.Done()
		labelErr = m.gh.RemoveLabel(ctx, meta.Target.Repository, meta.Number, m.cfg.IntegrationLabel)
	}()
	wg.Wait()

	if err := multierr.Append(commentErr, labelErr); err != nil {
		m.logger.Error("cleaning up failed integration failed", zap.Error(err), logfields.PullRequest(meta.Number))
	}

	m.submit(integrationFailureHandled{})
}

func isContextErr(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}
