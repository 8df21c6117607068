package mergequeue

// event is the internal event taxonomy a MergeService's reducer consumes.
// Every event a MergeService receives, whether raised by the host
// (pull-request/status changes), by a completed bootstrap load, or by an
// effect handler reporting its own outcome, is one of these types.
type event interface {
	eventName() string
}

// loaded carries the bootstrap snapshot of a target branch's currently
// open, integration-labeled pull requests, in the order they should be
// queued.
type loaded struct {
	prs []*PullRequest
}

func (loaded) eventName() string { return "pull_requests_loaded" }

// include is raised when a pull request should be present (or updated)
// in the queue: it was opened, labeled, synchronized, or its metadata
// changed while it was already tracked.
type include struct {
	pr          *PullRequest
	topPriority bool
}

func (include) eventName() string { return "pull_request_include" }

// exclude is raised when a pull request should no longer be tracked: it
// was closed, unlabeled, or merged.
type exclude struct {
	number int
}

func (exclude) eventName() string { return "pull_request_exclude" }

// integrate is raised by the ready-state effect handler once it decides
// which queued pull request to attempt next.
type integrate struct {
	meta *PullRequestMetadata
}

func (integrate) eventName() string { return "integrate" }

// retryIntegration is raised by the integrating-state effect handler
// when the attempted update-branch/merge operation should be retried
// with refreshed metadata, without leaving the integrating status.
type retryIntegration struct {
	meta *PullRequestMetadata
}

func (retryIntegration) eventName() string { return "retry_integration" }

// integrationUpdating is raised once the source branch has been
// successfully brought up to date and status checks are now running
// against it.
type integrationUpdating struct {
	meta *PullRequestMetadata
}

func (integrationUpdating) eventName() string { return "integration_updating" }

// integrationDone is raised once the pull request has been merged.
type integrationDone struct{}

func (integrationDone) eventName() string { return "integration_done" }

// integrationFailed is raised when an integration attempt terminates
// without merging.
type integrationFailed struct {
	meta   *PullRequestMetadata
	reason FailureReason
}

func (integrationFailed) eventName() string { return "integration_failed" }

// statusChecksPassed is raised once all (required) status checks report
// success for the currently integrating pull request.
type statusChecksPassed struct {
	meta *PullRequestMetadata
}

func (statusChecksPassed) eventName() string { return "status_checks_passed" }

// statusChecksFailed is raised once any required status check reports
// failure for the currently integrating pull request.
type statusChecksFailed struct {
	meta *PullRequestMetadata
}

func (statusChecksFailed) eventName() string { return "status_checks_failed" }

// statusChecksTimedOut is raised when status checks do not complete
// within the configured timeout.
type statusChecksTimedOut struct {
	meta *PullRequestMetadata
}

func (statusChecksTimedOut) eventName() string { return "status_checks_timed_out" }

// integrationFailureHandled is raised once the integrationFailed
// state's effect handler has finished posting its failure comment and
// removing the integration label, whether or not either call succeeded.
type integrationFailureHandled struct{}

func (integrationFailureHandled) eventName() string { return "integration_failure_handled" }

// poke is raised periodically by the dispatcher as a backstop against a
// missed or dropped webhook event. It never changes the state machine's
// status or queue by itself; MergeService reacts to it by re-entering the
// ready-state effect when the service is currently ready, and by
// re-evaluating commit checks when the integrating pull request's merge
// state needs them.
type poke struct{}

func (poke) eventName() string { return "poke" }
