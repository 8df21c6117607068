// Package githubclt provides the github API client that backs
// mergequeue.GithubClient.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/walle/internal/goorderr"
	"github.com/simplesurance/walle/internal/logfields"
	"github.com/simplesurance/walle/internal/mergequeue"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

var ErrPullRequestIsClosed = errors.New("pull request is closed")

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is a github API client implementing mergequeue.GithubClient.
// All methods return a goorderr.RetryableError when an operation can be
// retried. This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

var _ mergequeue.GithubClient = (*Client)(nil)

// FetchPullRequest returns the current metadata of a pull request,
// including its merge state.
func (clt *Client) FetchPullRequest(ctx context.Context, repo mergequeue.Repository, number int) (*mergequeue.PullRequestMetadata, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	return clt.toMetadata(repo, pr)
}

func (clt *Client) toMetadata(repo mergequeue.Repository, pr *github.PullRequest) (*mergequeue.PullRequestMetadata, error) {
	if pr.GetState() == "closed" {
		return nil, ErrPullRequestIsClosed
	}

	head := pr.GetHead()
	base := pr.GetBase()
	if head == nil || base == nil {
		return nil, errors.New("got pull request object with empty head or base field")
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	domainPR, err := mergequeue.NewPullRequest(
		pr.GetNumber(),
		mergequeue.BranchRef{Repository: repo, Branch: head.GetRef()},
		mergequeue.BranchRef{Repository: repo, Branch: base.GetRef()},
		pr.GetUser().GetLogin(),
		pr.GetTitle(),
		labels,
	)
	if err != nil {
		return nil, fmt.Errorf("converting github pull request to domain type failed: %w", err)
	}

	return &mergequeue.PullRequestMetadata{
		PullRequest: domainPR,
		IsMerged:    pr.GetMerged(),
		MergeState:  toMergeState(pr.GetMergeableState()),
		HeadSHA:     head.GetSHA(),
	}, nil
}

func toMergeState(s string) mergequeue.MergeState {
	switch s {
	case "clean":
		return mergequeue.MergeStateClean
	case "behind":
		return mergequeue.MergeStateBehind
	case "blocked":
		return mergequeue.MergeStateBlocked
	case "unstable":
		return mergequeue.MergeStateUnstable
	case "dirty":
		return mergequeue.MergeStateDirty
	default:
		return mergequeue.MergeStateUnknown
	}
}

// FetchOpenPullRequests returns every open pull request of repo that
// targets base and carries label.
func (clt *Client) FetchOpenPullRequests(ctx context.Context, repo mergequeue.Repository, base, label string) ([]*mergequeue.PullRequest, error) {
	var result []*mergequeue.PullRequest

	opts := &github.PullRequestListOptions{
		State:       "open",
		Base:        base,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		prs, resp, err := clt.restClt.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, pr := range prs {
			if !hasLabel(pr, label) {
				continue
			}

			meta, err := clt.toMetadata(repo, pr)
			if err != nil {
				if errors.Is(err, ErrPullRequestIsClosed) {
					continue
				}

				return nil, err
			}

			result = append(result, meta.PullRequest)
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

func hasLabel(pr *github.PullRequest, label string) bool {
	for _, l := range pr.Labels {
		if l.GetName() == label {
			return true
		}
	}

	return false
}

// FetchIssueComments returns the comments posted on a pull request.
func (clt *Client) FetchIssueComments(ctx context.Context, repo mergequeue.Repository, number int) ([]*mergequeue.IssueComment, error) {
	var result []*mergequeue.IssueComment

	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}

	for {
		comments, resp, err := clt.restClt.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, c := range comments {
			result = append(result, &mergequeue.IssueComment{
				ID:        c.GetID(),
				UserID:    c.GetUser().GetID(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt(),
			})
		}

		if resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

// PostComment posts a new comment on a pull request.
func (clt *Client) PostComment(ctx context.Context, repo mergequeue.Repository, number int, body string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{Body: &body})
	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a pull request. It succeeds if the
// label is already absent.
func (clt *Client) RemoveLabel(ctx context.Context, repo mergequeue.Repository, number int, label string) error {
	_, err := clt.restClt.Issues.RemoveLabelForIssue(ctx, repo.Owner, repo.Name, number, label)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusNotFound {
			clt.logger.Debug("removing label returned a not found response, interpreting it as success",
				logfields.RepositoryOwner(repo.Owner),
				logfields.Repository(repo.Name),
				logfields.PullRequest(number),
				logfields.Label(label),
				logfields.Event("github_remove_label_returned_not_found"),
				zap.Error(err),
			)

			return nil
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// UpdateBranch brings a pull request's source branch up to date with its
// target branch by merging the target into the source.
//
// If UpdateBranch is called while the branch is already uptodate, github
// creates an empty merge commit and changes the branch; the mergequeue
// package only calls UpdateBranch for pull requests whose merge state is
// not clean, so that case does not arise here.
func (clt *Client) UpdateBranch(ctx context.Context, pr *mergequeue.PullRequest) (mergequeue.MergeResult, error) {
	current, _, err := clt.restClt.PullRequests.Get(ctx, pr.Source.Owner, pr.Source.Name, pr.Number)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	head := current.GetHead()
	if head == nil || head.GetSHA() == "" {
		return "", errors.New("got pull request object with empty head sha")
	}
	headSHA := head.GetSHA()

	logger := clt.logger.With(
		logfields.RepositoryOwner(pr.Source.Owner),
		logfields.Repository(pr.Source.Name),
		logfields.PullRequest(pr.Number),
		logfields.Commit(headSHA),
	)

	_, _, err = clt.restClt.PullRequests.UpdateBranch(ctx, pr.Source.Owner, pr.Source.Name, pr.Number, &github.PullRequestBranchUpdateOptions{ExpectedHeadSHA: &headSHA})
	if err != nil {
		if _, ok := err.(*github.AcceptedError); ok {
			logger.Debug("updating branch with base branch scheduled",
				logfields.Event("github_branch_update_with_base_scheduled"))
			return mergequeue.MergeResultSuccess, nil
		}

		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			if respErr.Response.StatusCode == http.StatusUnprocessableEntity {
				if strings.Contains(respErr.Message, "merge conflict") {
					return mergequeue.MergeResultConflict, nil
				}

				if strings.Contains(respErr.Message, "expected head sha didn’t match current head ref") {
					logger.Debug("branch changed while trying to sync with target branch",
						logfields.Event("github_branch_update_failed_ref_outdated"))

					return "", goorderr.NewRetryableAnytimeError(err)
				}
			}
		}

		return "", clt.wrapRetryableErrors(err)
	}

	logger.Debug("branch was updated with target branch",
		logfields.Event("github_branch_update_with_base_triggered"))
	// github seems to always schedule update operations and return an
	// AcceptedError, this branch might never be taken
	return mergequeue.MergeResultSuccess, nil
}

// MergePullRequest merges a pull request's source branch into its target
// branch, provided sha is still the current head commit.
func (clt *Client) MergePullRequest(ctx context.Context, pr *mergequeue.PullRequest, sha string) error {
	_, _, err := clt.restClt.PullRequests.Merge(ctx, pr.Target.Owner, pr.Target.Name, pr.Number, "", &github.PullRequestOptions{SHA: sha})
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusMethodNotAllowed {
			return fmt.Errorf("pull request is not mergeable: %w", respErr)
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

// DeleteBranch deletes a branch. It succeeds if the branch is already
// absent.
func (clt *Client) DeleteBranch(ctx context.Context, repo mergequeue.Repository, branch string) error {
	_, err := clt.restClt.Git.DeleteRef(ctx, repo.Owner, repo.Name, "heads/"+branch)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response.StatusCode == http.StatusUnprocessableEntity {
			return nil
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return goorderr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return goorderr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return goorderr.NewRetryableAnytimeError(err)
	}

	return err
}
