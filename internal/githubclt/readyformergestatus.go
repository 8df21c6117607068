package githubclt

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"

	"github.com/simplesurance/walle/internal/goorderr"
	"github.com/simplesurance/walle/internal/mergequeue"
)

// ciStatus mirrors the GraphQL-side states before they are mapped onto
// mergequeue.CIStatus.
type ciStatus string

const (
	ciStatusSuccess ciStatus = "SUCCESS"
	ciStatusPending ciStatus = "PENDING"
	ciStatusFailure ciStatus = "FAILURE"
)

func (s ciStatus) toDomain() mergequeue.CIStatus {
	switch s {
	case ciStatusSuccess:
		return mergequeue.CIStatusSuccess
	case ciStatusFailure:
		return mergequeue.CIStatusFailure
	default:
		return mergequeue.CIStatusPending
	}
}

type ciJobStatus struct {
	Name     string
	Status   ciStatus
	Required bool
}

// FetchAllStatusChecks returns the state of every status check
// and check-run reported for the pull request's current head commit,
// annotating which are required by the target branch's protection
// rules.
//
// If the host has not yet observed expectedSHA as the pull request's
// head, a retryable error is returned so the caller can re-check once
// the commit has propagated.
func (clt *Client) FetchAllStatusChecks(ctx context.Context, repo mergequeue.Repository, prNumber int, expectedSHA string) ([]mergequeue.CIJobStatus, error) {
	queryResult, err := clt.reviewAndCIStatus(ctx, repo.Owner, repo.Name, prNumber)
	if err != nil {
		return nil, clt.wrapGraphQLRetryableErrors(err)
	}

	if expectedSHA != "" && queryResult.Commit != expectedSHA {
		return nil, goorderr.NewRetryableAnytimeError(
			fmt.Errorf("pull request head commit is %q, expected %q", queryResult.Commit, expectedSHA))
	}

	statuses, err := toCIJobStatuses(queryResult.RequiredStatusCheckContexts, queryResult.CheckRuns, queryResult.StatusContext)
	if err != nil {
		return nil, err
	}

	result := make([]mergequeue.CIJobStatus, 0, len(statuses))
	for _, s := range statuses {
		result = append(result, mergequeue.CIJobStatus{
			Name:     s.Name,
			State:    s.Status.toDomain(),
			Required: s.Required,
		})
	}

	return result, nil
}

func toCIJobStatuses(
	requiredChecks []string,
	checkRuns []*queryCheckStatus,
	commitStatuses []*queryStatusContext,
) ([]*ciJobStatus, error) {
	statusesByName := make(map[string]*ciJobStatus, len(checkRuns)+len(commitStatuses)+len(requiredChecks))
	for _, context := range requiredChecks {
		if _, exists := statusesByName[context]; exists {
			return nil, fmt.Errorf("found 2 required status with the same context values: %q, context values must be unique", context)
		}

		statusesByName[context] = &ciJobStatus{
			Name:     context,
			Status:   ciStatusPending,
			Required: true,
		}
	}

	for _, run := range checkRuns {
		status, err := checkRunResultToCiStatus(run.Status, run.Conclusion)
		if err != nil {
			return nil, fmt.Errorf("converting checkRun %q status failed: %w", run.Name, err)
		}

		if entry, exists := statusesByName[run.Name]; exists {
			entry.Status = status
			continue
		}

		statusesByName[run.Name] = &ciJobStatus{
			Name:   run.Name,
			Status: status,
		}
	}

	for _, commitStatus := range commitStatuses {
		status, err := contextStatusStateToCIStatus(commitStatus.State)
		if err != nil {
			return nil, fmt.Errorf("converting %q status context failed: %w", commitStatus.Context, err)
		}

		if entry, exists := statusesByName[commitStatus.Context]; exists {
			entry.Status = status
			continue
		}

		statusesByName[commitStatus.Context] = &ciJobStatus{
			Name:   commitStatus.Context,
			Status: status,
		}
	}

	result := make([]*ciJobStatus, 0, len(statusesByName))
	for _, status := range statusesByName {
		result = append(result, status)
	}

	return result, nil
}

func checkRunResultToCiStatus(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) (ciStatus, error) {
	switch status {
	case githubv4.CheckStatusStateInProgress,
		githubv4.CheckStatusStatePending,
		githubv4.CheckStatusStateQueued,
		githubv4.CheckStatusStateRequested,
		githubv4.CheckStatusStateWaiting:
		return ciStatusPending, nil

	case githubv4.CheckStatusStateCompleted:
		return checkConclusiontoCIStatus(conclusion)

	default:
		return "", fmt.Errorf("unsupported status value: %q", status)
	}
}

func checkConclusiontoCIStatus(conclusion githubv4.CheckConclusionState) (ciStatus, error) {
	switch conclusion {
	case githubv4.CheckConclusionStateCancelled,
		githubv4.CheckConclusionStateFailure,
		githubv4.CheckConclusionStateStale,
		githubv4.CheckConclusionStateStartupFailure,
		githubv4.CheckConclusionStateTimedOut:
		return ciStatusFailure, nil

	case githubv4.CheckConclusionStateActionRequired:
		return ciStatusPending, nil

	case githubv4.CheckConclusionStateNeutral,
		githubv4.CheckConclusionStateSkipped,
		githubv4.CheckConclusionStateSuccess:
		return ciStatusSuccess, nil
	default:
		return "", fmt.Errorf("unsupported conclusion value: %q", conclusion)
	}
}

type queryCheckStatus struct {
	Name       string
	Conclusion githubv4.CheckConclusionState
	Status     githubv4.CheckStatusState
}

type queryStatusContext struct {
	State   githubv4.StatusState
	Context string
}

type queryCIStatusResult struct {
	StatusCheckRollupState      githubv4.StatusState
	RequiredStatusCheckContexts []string
	CheckRuns                   []*queryCheckStatus
	StatusContext               []*queryStatusContext
	Commit                      string
}

// reviewAndCIStatus fetches the status-check rollup for a pull request's
// current head commit. GitHub paginates the rollup's contexts; if the
// head commit changes between pages, the query restarts from the
// beginning so the returned set is always consistent with a single
// commit.
func (clt *Client) reviewAndCIStatus(ctx context.Context, owner, repo string, prNumber int) (*queryCIStatusResult, error) {
	type graphQLQueryCIStatus struct {
		Repository struct {
			PullRequest struct {
				BaseRef struct {
					BranchProtectionRule struct {
						// RequiredStatusCheckContexts
						// contains required commit
						// statuses and checkRuns.
						RequiredStatusCheckContexts []string
					}
				}

				Commits struct {
					Nodes []struct {
						Commit struct {
							Oid               string
							StatusCheckRollup struct {
								State    githubv4.StatusState
								Contexts struct {
									PageInfo struct {
										EndCursor   string
										HasNextPage bool
									}
									Edges []struct {
										Node struct {
											CheckRun      queryCheckStatus   `graphql:"... on CheckRun"`
											StatusContext queryStatusContext `graphql:"... on StatusContext"`
										}
									}
								} `graphql:"contexts(first: $contextsFirst, after: $contextsAfter)"`
							}
						}
					}
				} `graphql:"commits(last: $commitsLast)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var prHEADCommitID string
	var result queryCIStatusResult

	vars := map[string]any{
		"owner":         githubv4.String(owner),
		"name":          githubv4.String(repo),
		"number":        githubv4.Int(prNumber),
		"commitsLast":   githubv4.Int(1),
		"contextsFirst": githubv4.Int(100),
		"contextsAfter": (*githubv4.String)(nil),
	}

	for {
		var q graphQLQueryCIStatus

		err := clt.graphQLClt.Query(ctx, &q, vars)
		if err != nil {
			return nil, err
		}

		if len(q.Repository.PullRequest.Commits.Nodes) == 0 {
			return nil, fmt.Errorf("pull request %d has no commits", prNumber)
		}

		commitsNode := q.Repository.PullRequest.Commits.Nodes[0].Commit

		if prHEADCommitID == "" {
			prHEADCommitID = commitsNode.Oid
		} else if prHEADCommitID != commitsNode.Oid {
			vars["contextsAfter"] = (*githubv4.String)(nil)
			prHEADCommitID = ""
			result = queryCIStatusResult{}

			continue
		}

		for _, edge := range commitsNode.StatusCheckRollup.Contexts.Edges {
			node := edge.Node
			if node.CheckRun.Name != "" && node.StatusContext.Context != "" {
				return nil, fmt.Errorf("internal error: node contains checkRun and context, expecting only one")
			}

			if node.CheckRun.Name != "" {
				result.CheckRuns = append(result.CheckRuns, &node.CheckRun)
				continue
			}

			result.StatusContext = append(result.StatusContext, &node.StatusContext)
		}

		pageInfo := commitsNode.StatusCheckRollup.Contexts.PageInfo
		if !pageInfo.HasNextPage {
			result.StatusCheckRollupState = commitsNode.StatusCheckRollup.State
			result.RequiredStatusCheckContexts = q.Repository.PullRequest.BaseRef.BranchProtectionRule.RequiredStatusCheckContexts
			result.Commit = prHEADCommitID

			return &result, nil
		}

		if pageInfo.EndCursor == "" {
			return nil, fmt.Errorf("retrieving all contexts failed, HasNextPage is true, expected non-empty EndCursor")
		}

		vars["contextsAfter"] = pageInfo.EndCursor
	}
}

func contextStatusStateToCIStatus(state githubv4.StatusState) (ciStatus, error) {
	switch state {
	case githubv4.StatusStateError,
		githubv4.StatusStateFailure:
		return ciStatusFailure, nil

	case githubv4.StatusStateExpected,
		githubv4.StatusStatePending:
		return ciStatusPending, nil

	case githubv4.StatusStateSuccess:
		return ciStatusSuccess, nil

	default:
		return "", fmt.Errorf("unsupported status state value: %q", state)
	}
}
