package mergequeue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/walle/internal/clock"
)

func startedService(t *testing.T, gh GithubClient, clk clock.Clock) (*MergeService, func()) {
	t.Helper()

	target := testTarget()
	svc := New(target, testConfig(), gh, clk, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx, false)

	return svc, func() {
		cancel()
		svc.Stop()
	}
}

// TestServiceAcceptsAndMergesCleanPullRequest covers the scenario of a
// single pull request whose source branch is already clean: it should
// be acknowledged as handled right away and merged without ever
// entering runningStatusChecks.
func TestServiceAcceptsAndMergesCleanPullRequest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctrl := gomock.NewController(t)
	gh := NewMockGithubClient(ctrl)
	clk, _ := clock.NewMock()

	pr := testPR(t, 1)
	pr.Labels.Add("merge")

	gh.EXPECT().FetchOpenPullRequests(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateClean, HeadSHA: "abc"}, nil)

	var acknowledged string
	gh.EXPECT().PostComment(gomock.Any(), pr.Target.Repository, pr.Number, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ Repository, _ int, body string) error {
			acknowledged = body
			return nil
		})
	gh.EXPECT().MergePullRequest(gomock.Any(), gomock.Any(), "abc").Return(nil)

	svc, stop := startedService(t, gh, clk)
	defer stop()

	svc.SubmitPullRequestAction(pr, ActionOpened)

	require.Eventually(t, func() bool {
		return svc.CurrentState().Status == StatusIdle
	}, time.Second, time.Millisecond)

	require.Equal(t, "accepted, handled right away", acknowledged)
}

// TestServiceUpdatesBehindPullRequestThenMerges covers a pull request
// that needs its branch updated before its checks can run.
func TestServiceUpdatesBehindPullRequestThenMerges(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctrl := gomock.NewController(t)
	gh := NewMockGithubClient(ctrl)
	clk, _ := clock.NewMock()

	pr := testPR(t, 1)
	pr.Labels.Add("merge")

	gh.EXPECT().FetchOpenPullRequests(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateBehind, HeadSHA: "old"}, nil)
	gh.EXPECT().UpdateBranch(gomock.Any(), pr).Return(MergeResultSuccess, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateClean, HeadSHA: "new"}, nil)
	gh.EXPECT().FetchAllStatusChecks(gomock.Any(), pr.Target.Repository, pr.Number, "new").
		Return([]CIJobStatus{{Name: "ci", State: CIStatusSuccess, Required: true}}, nil)
	gh.EXPECT().MergePullRequest(gomock.Any(), gomock.Any(), "new").Return(nil)
	gh.EXPECT().PostComment(gomock.Any(), pr.Target.Repository, pr.Number, gomock.Any()).Return(nil)

	svc, stop := startedService(t, gh, clk)
	defer stop()

	svc.SubmitPullRequestAction(pr, ActionOpened)

	require.Eventually(t, func() bool {
		svc.SubmitPullRequestAction(pr, ActionSynchronize)
		return svc.CurrentState().Status == StatusRunningStatusChecks
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return svc.CurrentState().Status == StatusIdle
	}, time.Second, time.Millisecond)
}

// TestServiceConflictingPullRequestFailsWithComment covers a pull
// request whose branch is dirty: integration fails immediately with a
// conflicts verdict and the failure comment names the reason.
func TestServiceConflictingPullRequestFailsWithComment(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctrl := gomock.NewController(t)
	gh := NewMockGithubClient(ctrl)
	clk, _ := clock.NewMock()

	pr := testPR(t, 1)
	pr.Labels.Add("merge")

	gh.EXPECT().FetchOpenPullRequests(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateDirty}, nil)

	var failureBody string
	gh.EXPECT().PostComment(gomock.Any(), pr.Target.Repository, pr.Number, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ Repository, _ int, body string) error {
			failureBody = body
			return nil
		}).AnyTimes()
	gh.EXPECT().RemoveLabel(gomock.Any(), pr.Target.Repository, pr.Number, "merge").Return(nil)

	svc, stop := startedService(t, gh, clk)
	defer stop()

	svc.SubmitPullRequestAction(pr, ActionOpened)

	require.Eventually(t, func() bool {
		return svc.CurrentState().Status == StatusIdle
	}, time.Second, time.Millisecond)

	require.Contains(t, failureBody, "unfortunately the integration failed with code: `conflicts`")
}

// TestServiceBlockedPullRequestResolvesAndMerges covers a pull request
// whose branch is already up to date but whose merge state is
// transiently blocked while GitHub settles on a commit status: once the
// status resolves to success and a refetch reports mergeState clean,
// the integration proceeds to merge without ever re-running the
// branch-update step.
func TestServiceBlockedPullRequestResolvesAndMerges(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctrl := gomock.NewController(t)
	gh := NewMockGithubClient(ctrl)
	clk, _ := clock.NewMock()

	pr := testPR(t, 1)
	pr.Labels.Add("merge")

	gh.EXPECT().FetchOpenPullRequests(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateBlocked, HeadSHA: "abc"}, nil)
	gh.EXPECT().FetchAllStatusChecks(gomock.Any(), pr.Target.Repository, pr.Number, "abc").
		Return([]CIJobStatus{{Name: "ci", State: CIStatusSuccess, Required: true}}, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateClean, HeadSHA: "abc"}, nil)
	gh.EXPECT().MergePullRequest(gomock.Any(), gomock.Any(), "abc").Return(nil)
	gh.EXPECT().PostComment(gomock.Any(), pr.Target.Repository, pr.Number, gomock.Any()).Return(nil)

	svc, stop := startedService(t, gh, clk)
	defer stop()

	svc.SubmitPullRequestAction(pr, ActionOpened)

	require.Eventually(t, func() bool {
		return svc.CurrentState().Status == StatusIdle
	}, time.Second, time.Millisecond)
}

// TestServiceUnknownMergeStateRetriesThenFails covers a pull request
// whose merge state never leaves unknown: it is refetched a bounded
// number of times before the integration is given up on.
func TestServiceUnknownMergeStateRetriesThenFails(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctrl := gomock.NewController(t)
	gh := NewMockGithubClient(ctrl)
	clk, mock := clock.NewMock()

	pr := testPR(t, 1)
	pr.Labels.Add("merge")

	gh.EXPECT().FetchOpenPullRequests(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateUnknown, HeadSHA: "abc"}, nil)

	retries := make(chan struct{}, 8)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		DoAndReturn(func(context.Context, Repository, int) (*PullRequestMetadata, error) {
			retries <- struct{}{}
			return &PullRequestMetadata{PullRequest: pr, MergeState: MergeStateUnknown, HeadSHA: "abc"}, nil
		}).Times(4)
	gh.EXPECT().PostComment(gomock.Any(), pr.Target.Repository, pr.Number, gomock.Any()).Return(nil).AnyTimes()
	gh.EXPECT().RemoveLabel(gomock.Any(), pr.Target.Repository, pr.Number, "merge").Return(nil)

	svc, stop := startedService(t, gh, clk)
	defer stop()

	svc.SubmitPullRequestAction(pr, ActionOpened)

	drain := func() {
		require.Eventually(t, func() bool {
			select {
			case <-retries:
				return true
			default:
				return false
			}
		}, time.Second, time.Millisecond)
	}

	for i := 0; i < 4; i++ {
		mock.Add(30 * time.Second)
		drain()
	}

	require.Eventually(t, func() bool {
		return svc.CurrentState().Status == StatusIdle
	}, time.Second, time.Millisecond)
}

// TestServiceStatusChecksTimeOut covers a pull request whose checks
// never report a terminal state before the configured timeout.
func TestServiceStatusChecksTimeOut(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctrl := gomock.NewController(t)
	gh := NewMockGithubClient(ctrl)
	clk, mock := clock.NewMock()

	pr := testPR(t, 1)
	pr.Labels.Add("merge")

	gh.EXPECT().FetchOpenPullRequests(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateBehind, HeadSHA: "old"}, nil)
	gh.EXPECT().UpdateBranch(gomock.Any(), pr).Return(MergeResultSuccess, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateClean, HeadSHA: "new"}, nil)
	gh.EXPECT().FetchAllStatusChecks(gomock.Any(), pr.Target.Repository, pr.Number, "new").
		Return([]CIJobStatus{{Name: "ci", State: CIStatusPending, Required: true}}, nil)
	gh.EXPECT().PostComment(gomock.Any(), pr.Target.Repository, pr.Number, gomock.Any()).Return(nil).Times(2)
	gh.EXPECT().RemoveLabel(gomock.Any(), pr.Target.Repository, pr.Number, "merge").Return(nil)

	svc, stop := startedService(t, gh, clk)
	defer stop()

	svc.SubmitPullRequestAction(pr, ActionOpened)

	require.Eventually(t, func() bool {
		svc.SubmitPullRequestAction(pr, ActionSynchronize)
		return svc.CurrentState().Status == StatusRunningStatusChecks
	}, time.Second, time.Millisecond)

	mock.Add(2 * time.Second)

	require.Eventually(t, func() bool {
		return svc.CurrentState().Status == StatusIdle
	}, time.Second, time.Millisecond)
}

// TestServiceQueuesSecondPullRequestBehindFirst covers two pull
// requests arriving while one is already integrating: the second is
// acknowledged with its queue position, not merged until the first
// finishes.
func TestServiceQueuesSecondPullRequestBehindFirst(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctrl := gomock.NewController(t)
	gh := NewMockGithubClient(ctrl)
	clk, _ := clock.NewMock()

	pr1 := testPR(t, 1)
	pr1.Labels.Add("merge")
	pr2 := testPR(t, 2)
	pr2.Labels.Add("merge")

	gh.EXPECT().FetchOpenPullRequests(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr1.Target.Repository, pr1.Number).
		Return(&PullRequestMetadata{PullRequest: pr1, MergeState: MergeStateClean, HeadSHA: "abc"}, nil)

	unblock := make(chan struct{})
	gh.EXPECT().MergePullRequest(gomock.Any(), gomock.Any(), "abc").
		DoAndReturn(func(context.Context, *PullRequest, string) error {
			<-unblock
			return nil
		})

	var comments []string
	gh.EXPECT().PostComment(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ Repository, _ int, body string) error {
			comments = append(comments, body)
			return nil
		}).AnyTimes()

	svc, stop := startedService(t, gh, clk)
	defer stop()

	svc.SubmitPullRequestAction(pr1, ActionOpened)

	require.Eventually(t, func() bool {
		return svc.CurrentState().Status == StatusIntegrating
	}, time.Second, time.Millisecond)

	svc.SubmitPullRequestAction(pr2, ActionOpened)

	require.Eventually(t, func() bool {
		return len(comments) == 2
	}, time.Second, time.Millisecond)
	require.Equal(t, "accepted, currently #0 in the `main` queue", comments[1])

	close(unblock)
}

// TestServiceOrdersByAcceptedComment covers bootstrapping after a restart:
// pull requests found already carrying the integration label are resumed
// in the order their prior acknowledgement comments were posted, not in
// whatever order the host happened to return them, and a pull request
// without a recognizable acknowledgement sorts last.
func TestServiceOrdersByAcceptedComment(t *testing.T) {
	ctrl := gomock.NewController(t)
	gh := NewMockGithubClient(ctrl)
	clk, _ := clock.NewMock()

	prA := testPR(t, 1)
	prB := testPR(t, 2)
	prC := testPR(t, 3)

	t1 := time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, time.January, 2, 10, 0, 0, 0, time.UTC)

	gh.EXPECT().FetchIssueComments(gomock.Any(), prA.Target.Repository, prA.Number).
		Return([]*IssueComment{{Body: "accepted, currently #0 in the `main` queue", CreatedAt: t2}}, nil)
	gh.EXPECT().FetchIssueComments(gomock.Any(), prB.Target.Repository, prB.Number).
		Return([]*IssueComment{{Body: "accepted, handled right away", CreatedAt: t1}}, nil)
	gh.EXPECT().FetchIssueComments(gomock.Any(), prC.Target.Repository, prC.Number).
		Return([]*IssueComment{{Body: "unrelated comment"}}, nil)

	svc := New(testTarget(), testConfig(), gh, clk, zaptest.NewLogger(t))

	ordered := svc.orderByAcceptedComment(context.Background(), []*PullRequest{prA, prB, prC})

	require.Len(t, ordered, 3)
	require.Equal(t, prB.Number, ordered[0].Number)
	require.Equal(t, prA.Number, ordered[1].Number)
	require.Equal(t, prC.Number, ordered[2].Number)
}

// TestServiceOrdersByAcceptedCommentFiltersByBotUser covers the optional
// identity filter: comments from a different numeric user ID than the
// configured bot are ignored even if their body matches.
func TestServiceOrdersByAcceptedCommentFiltersByBotUser(t *testing.T) {
	ctrl := gomock.NewController(t)
	gh := NewMockGithubClient(ctrl)
	clk, _ := clock.NewMock()

	prA := testPR(t, 1)
	prB := testPR(t, 2)

	cfg := testConfig()
	cfg.BotUser = "42"

	t1 := time.Date(2024, time.January, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, time.January, 2, 10, 0, 0, 0, time.UTC)

	gh.EXPECT().FetchIssueComments(gomock.Any(), prA.Target.Repository, prA.Number).
		Return([]*IssueComment{
			{UserID: 7, Body: "accepted, handled right away", CreatedAt: t1},
		}, nil)
	gh.EXPECT().FetchIssueComments(gomock.Any(), prB.Target.Repository, prB.Number).
		Return([]*IssueComment{
			{UserID: 42, Body: "accepted, handled right away", CreatedAt: t2},
		}, nil)

	svc := New(testTarget(), cfg, gh, clk, zaptest.NewLogger(t))

	ordered := svc.orderByAcceptedComment(context.Background(), []*PullRequest{prA, prB})

	require.Len(t, ordered, 2)
	require.Equal(t, prB.Number, ordered[0].Number)
	require.Equal(t, prA.Number, ordered[1].Number)
}

// TestServiceDebouncesStatusEventsBeforeReevaluating covers a burst of
// status events arriving for a pull request running status checks: the
// host is only queried again once additionalStatusChecksGracePeriod has
// passed without a further qualifying event.
func TestServiceDebouncesStatusEventsBeforeReevaluating(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctrl := gomock.NewController(t)
	gh := NewMockGithubClient(ctrl)
	clk, mock := clock.NewMock()

	pr := testPR(t, 1)
	pr.Labels.Add("merge")

	cfg := testConfig()
	cfg.StatusChecksTimeout = 10 * time.Minute

	gh.EXPECT().FetchOpenPullRequests(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateBehind, HeadSHA: "old"}, nil)
	gh.EXPECT().UpdateBranch(gomock.Any(), pr).Return(MergeResultSuccess, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateClean, HeadSHA: "new"}, nil)
	gh.EXPECT().PostComment(gomock.Any(), pr.Target.Repository, pr.Number, gomock.Any()).Return(nil)

	checks := make(chan struct{}, 8)
	gh.EXPECT().FetchAllStatusChecks(gomock.Any(), pr.Target.Repository, pr.Number, "new").
		DoAndReturn(func(context.Context, Repository, int, string) ([]CIJobStatus, error) {
			checks <- struct{}{}
			return []CIJobStatus{{Name: "ci", State: CIStatusPending, Required: true}}, nil
		}).Times(2)

	svc := New(testTarget(), cfg, gh, clk, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx, false)
	defer func() {
		cancel()
		svc.Stop()
	}()

	svc.SubmitPullRequestAction(pr, ActionOpened)

	require.Eventually(t, func() bool {
		svc.SubmitPullRequestAction(pr, ActionSynchronize)
		return svc.CurrentState().Status == StatusRunningStatusChecks
	}, time.Second, time.Millisecond)

	drain := func() {
		require.Eventually(t, func() bool {
			select {
			case <-checks:
				return true
			default:
				return false
			}
		}, time.Second, time.Millisecond)
	}

	drain() // the evaluation effectRunningStatusChecks runs immediately on entry

	ev := &StatusEvent{Context: "ci", State: StatusStateFailure, SHA: "new", BranchRef: pr.Source}
	for i := 0; i < 5; i++ {
		svc.SubmitStatusEvent(ctx, ev)
	}

	select {
	case <-checks:
		t.Fatal("status checks were re-evaluated before the debounce window elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	mock.Add(additionalStatusChecksGracePeriod)
	drain()
}

// TestServiceUnstableMergesDirectlyWhenNotAllChecksRequired covers a
// pull request whose merge state is unstable because a non-required
// check is failing: with RequiresAllStatusChecks disabled, it merges
// right away instead of going through commit-check evaluation.
func TestServiceUnstableMergesDirectlyWhenNotAllChecksRequired(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctrl := gomock.NewController(t)
	gh := NewMockGithubClient(ctrl)
	clk, _ := clock.NewMock()

	pr := testPR(t, 1)
	pr.Labels.Add("merge")

	cfg := testConfig()
	cfg.RequiresAllStatusChecks = false

	gh.EXPECT().FetchOpenPullRequests(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	gh.EXPECT().FetchPullRequest(gomock.Any(), pr.Target.Repository, pr.Number).
		Return(&PullRequestMetadata{PullRequest: pr, MergeState: MergeStateUnstable, HeadSHA: "abc"}, nil)
	gh.EXPECT().MergePullRequest(gomock.Any(), gomock.Any(), "abc").Return(nil)
	gh.EXPECT().PostComment(gomock.Any(), pr.Target.Repository, pr.Number, gomock.Any()).Return(nil)

	target := testTarget()
	svc := New(target, cfg, gh, clk, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx, false)
	defer func() {
		cancel()
		svc.Stop()
	}()

	svc.SubmitPullRequestAction(pr, ActionOpened)

	require.Eventually(t, func() bool {
		return svc.CurrentState().Status == StatusIdle
	}, time.Second, time.Millisecond)
}
