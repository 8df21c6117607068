package mergequeue

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/walle/internal/logfields"
	"github.com/simplesurance/walle/internal/set"
)

// Repository identifies a repository on the code-hosting platform.
type Repository struct {
	Owner string
	Name  string
}

func (r Repository) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// BranchRef identifies a branch of a repository.
type BranchRef struct {
	Repository
	Branch string
}

func (b BranchRef) String() string {
	return fmt.Sprintf("%s/%s@%s", b.Owner, b.Name, b.Branch)
}

func (b BranchRef) LogFields() []zap.Field {
	return []zap.Field{
		logfields.RepositoryOwner(b.Owner),
		logfields.Repository(b.Name),
		logfields.Branch(b.Branch),
	}
}

// MergeState is the host's classification of a pull request's mergeability.
type MergeState string

const (
	MergeStateClean    MergeState = "clean"
	MergeStateBehind   MergeState = "behind"
	MergeStateBlocked  MergeState = "blocked"
	MergeStateUnstable MergeState = "unstable"
	MergeStateDirty    MergeState = "dirty"
	MergeStateUnknown  MergeState = "unknown"
)

// CIStatus is the combined state of a status-check or check-run.
type CIStatus string

const (
	CIStatusPending CIStatus = "pending"
	CIStatusSuccess CIStatus = "success"
	CIStatusFailure CIStatus = "failure"
)

// CombineCIStatus aggregates a set of CIStatus values using combined-state
// semantics: any failure wins, else any pending wins, else success.
func CombineCIStatus(states []CIStatus) CIStatus {
	sawPending := false

	for _, s := range states {
		switch s {
		case CIStatusFailure:
			return CIStatusFailure
		case CIStatusPending:
			sawPending = true
		}
	}

	if sawPending {
		return CIStatusPending
	}

	return CIStatusSuccess
}

// CIJobStatus is the state of one named status-check context or check-run.
type CIJobStatus struct {
	Name     string
	State    CIStatus
	Required bool
}

// PullRequestAction is the action carried by an incoming PR-change event.
type PullRequestAction string

const (
	ActionOpened      PullRequestAction = "opened"
	ActionLabeled     PullRequestAction = "labeled"
	ActionUnlabeled   PullRequestAction = "unlabeled"
	ActionClosed      PullRequestAction = "closed"
	ActionSynchronize PullRequestAction = "synchronize"
	ActionOther       PullRequestAction = "other"
)

// PullRequest is an immutable snapshot of a host-side pull request.
type PullRequest struct {
	Number int
	Source BranchRef
	Target BranchRef
	Author string
	Title  string
	Labels set.Set[string]

	LogFields []zap.Field
}

// NewPullRequest validates and constructs a PullRequest.
func NewPullRequest(number int, source, target BranchRef, author, title string, labels []string) (*PullRequest, error) {
	if number <= 0 {
		return nil, fmt.Errorf("pull request number is %d, must be >0", number)
	}

	if source.Branch == "" {
		return nil, errors.New("source branch is empty")
	}

	if target.Branch == "" {
		return nil, errors.New("target branch is empty")
	}

	return &PullRequest{
		Number: number,
		Source: source,
		Target: target,
		Author: author,
		Title:  title,
		Labels: set.From(labels),
		LogFields: []zap.Field{
			logfields.PullRequest(number),
			logfields.Branch(source.Branch),
			logfields.TargetBranch(target.Branch),
		},
	}, nil
}

// HasLabel reports whether the pull request currently carries the label.
func (p *PullRequest) HasLabel(label string) bool {
	return p.Labels.Contains(label)
}

// HasAnyLabel reports whether the pull request carries any of labels.
func (p *PullRequest) HasAnyLabel(labels set.Set[string]) bool {
	for l := range labels {
		if p.Labels.Contains(l) {
			return true
		}
	}

	return false
}

// Equal reports whether other identifies the same pull request.
func (p *PullRequest) Equal(other *PullRequest) bool {
	if p == nil || other == nil {
		return p == other
	}

	return p.Number == other.Number
}

// PullRequestMetadata is a PullRequest plus the host's current merge
// readiness classification.
type PullRequestMetadata struct {
	*PullRequest
	IsMerged   bool
	MergeState MergeState
	// HeadSHA is the commit id of the source branch's current head.
	HeadSHA string
}

// StatusState is the state carried by a StatusEvent.
type StatusState string

const (
	StatusStatePending StatusState = "pending"
	StatusStateSuccess StatusState = "success"
	StatusStateFailure StatusState = "failure"
)

// StatusEvent is a single status-check update for a commit.
type StatusEvent struct {
	Context   string
	State     StatusState
	SHA       string
	BranchRef BranchRef
}

// IsRelative reports whether the event concerns branch b.
func (e *StatusEvent) IsRelative(b BranchRef) bool {
	return e.BranchRef == b
}

// FailureReason classifies why an integration attempt terminated.
type FailureReason string

const (
	FailureConflicts                  FailureReason = "conflicts"
	FailureMergeFailed                FailureReason = "merge_failed"
	FailureSynchronizationFailed      FailureReason = "synchronization_failed"
	FailureCheckingCommitChecksFailed FailureReason = "checking_commit_checks_failed"
	FailureChecksFailing              FailureReason = "checks_failing"
	FailureTimedOut                   FailureReason = "timed_out"
	FailureBlocked                    FailureReason = "blocked"
	FailureUnknown                    FailureReason = "unknown"
)

// IssueComment is a single comment on a pull request.
type IssueComment struct {
	ID        int64
	UserID    int64
	Body      string
	CreatedAt time.Time
}

// MergeResult is the outcome of asking the host to merge one ref into
// another.
type MergeResult string

const (
	MergeResultSuccess  MergeResult = "success"
	MergeResultUpToDate MergeResult = "up_to_date"
	MergeResultConflict MergeResult = "conflict"
)
