package mergequeue

import "context"

// GithubClient is the host-API surface a MergeService and Dispatcher need.
// It is implemented by internal/githubclt.Client; tests use a generated
// mock (see mocks_test.go).
type GithubClient interface {
	// FetchPullRequest returns the current metadata of a pull request,
	// including its merge state.
	FetchPullRequest(ctx context.Context, repo Repository, number int) (*PullRequestMetadata, error)

	// FetchOpenPullRequests returns every open pull request of repo that
	// targets base and carries label.
	FetchOpenPullRequests(ctx context.Context, repo Repository, base, label string) ([]*PullRequest, error)

	// FetchIssueComments returns the comments posted on a pull request.
	FetchIssueComments(ctx context.Context, repo Repository, number int) ([]*IssueComment, error)

	// PostComment posts a new comment on a pull request.
	PostComment(ctx context.Context, repo Repository, number int, body string) error

	// RemoveLabel removes a label from a pull request. It succeeds if
	// the label is already absent.
	RemoveLabel(ctx context.Context, repo Repository, number int, label string) error

	// UpdateBranch brings a pull request's source branch up to date
	// with its target branch by merging target into source.
	UpdateBranch(ctx context.Context, pr *PullRequest) (MergeResult, error)

	// MergePullRequest merges a pull request's source branch into its
	// target branch.
	MergePullRequest(ctx context.Context, pr *PullRequest, sha string) error

	// FetchAllStatusChecks returns the state of every status
	// check and check-run reported for a pull request's current head
	// commit, annotating which are required by the target branch's
	// protection rules. It returns a retryable error if the host has
	// not yet observed expectedSHA as the pull request's head.
	FetchAllStatusChecks(ctx context.Context, repo Repository, prNumber int, expectedSHA string) ([]CIJobStatus, error)

	// DeleteBranch deletes a branch. It succeeds if the branch is
	// already absent.
	DeleteBranch(ctx context.Context, repo Repository, branch string) error
}
