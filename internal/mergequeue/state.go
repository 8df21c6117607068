package mergequeue

// Status is one of the states a MergeService's state machine can be in.
type Status int

const (
	// StatusStarting is the initial status: the target branch's open,
	// integration-labeled pull requests are still being loaded.
	StatusStarting Status = iota
	// StatusIdle means the queue is empty and there is nothing to do.
	StatusIdle
	// StatusReady means the queue is non-empty and no integration is in
	// progress.
	StatusReady
	// StatusIntegrating means the head of the queue is being brought up
	// to date with the target branch.
	StatusIntegrating
	// StatusRunningStatusChecks means the source branch is up to date
	// and status checks are being awaited.
	StatusRunningStatusChecks
	// StatusIntegrationFailed means the last integration attempt ended
	// without merging and its failure is being reported.
	StatusIntegrationFailed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusIdle:
		return "idle"
	case StatusReady:
		return "ready"
	case StatusIntegrating:
		return "integrating"
	case StatusRunningStatusChecks:
		return "running_status_checks"
	case StatusIntegrationFailed:
		return "integration_failed"
	default:
		return "unknown"
	}
}

// State is a point-in-time, externally observable snapshot of a
// MergeService's state machine.
type State struct {
	TargetBranch BranchRef
	Status       Status
	// Queue is the tier-ordered list of pull requests waiting to be
	// integrated. It never includes the pull request named by Metadata
	// while Status is StatusIntegrating, StatusRunningStatusChecks or
	// StatusIntegrationFailed.
	Queue []*PullRequest
	// Metadata is set while Status is StatusIntegrating,
	// StatusRunningStatusChecks or StatusIntegrationFailed.
	Metadata *PullRequestMetadata
	// Error is set while Status is StatusIntegrationFailed.
	Error FailureReason
}

// machineState is the mutable state a MergeService's reducer operates
// on. Its queue field is a shared, in-place-mutated structure; Snapshot
// copies its current contents into an immutable State value.
type machineState struct {
	targetBranch BranchRef
	status       Status
	queue        *queue
	metadata     *PullRequestMetadata
	err          FailureReason
}

func newMachineState(target BranchRef) machineState {
	return machineState{
		targetBranch: target,
		status:       StatusStarting,
		queue:        newQueue(),
	}
}

// Snapshot copies the current machine state into an immutable State.
func (m machineState) Snapshot() State {
	return State{
		TargetBranch: m.targetBranch,
		Status:       m.status,
		Queue:        m.queue.AsSlice(),
		Metadata:     m.metadata,
		Error:        m.err,
	}
}

// reduce applies ev to m, mutating m.queue in place and returning the
// updated status/metadata/error fields to store on m. It is the single
// state-transition function described by the merge service's state
// machine; it has no side effects beyond the queue mutation and never
// blocks.
func reduce(m machineState, ev event) machineState {
	switch e := ev.(type) {
	case loaded:
		if m.status != StatusStarting {
			return m
		}

		if len(e.prs) == 0 {
			m.status = StatusIdle
			return m
		}

		for _, pr := range e.prs {
			m.queue.Upsert(pr, false)
		}
		m.status = StatusReady

		return m

	case include:
		if m.status == StatusIntegrating || m.status == StatusRunningStatusChecks || m.status == StatusIntegrationFailed {
			if m.metadata != nil && m.metadata.Number == e.pr.Number {
				m.metadata.PullRequest = e.pr
				return m
			}
		}

		m.queue.Upsert(e.pr, e.topPriority)

		if m.status == StatusIdle || m.status == StatusStarting {
			m.status = StatusReady
		}

		return m

	case exclude:
		if (m.status == StatusIntegrating || m.status == StatusRunningStatusChecks) && m.metadata != nil && m.metadata.Number == e.number {
			m.metadata = nil
			m.status = nextReadyOrIdle(m)
			return m
		}

		if m.status == StatusIntegrationFailed && m.metadata != nil && m.metadata.Number == e.number {
			m.metadata = nil
			m.err = ""
			m.status = nextReadyOrIdle(m)
			return m
		}

		m.queue.Remove(e.number)

		if m.status == StatusReady && m.queue.Len() == 0 {
			m.status = StatusIdle
		}

		return m

	case integrate:
		if m.status != StatusReady {
			return m
		}

		m.queue.Remove(e.meta.Number)
		m.metadata = e.meta
		m.status = StatusIntegrating

		return m

	case retryIntegration:
		if m.status != StatusIntegrating {
			return m
		}

		m.metadata = e.meta

		return m

	case integrationUpdating:
		if m.status != StatusIntegrating {
			return m
		}

		m.metadata = e.meta
		m.status = StatusRunningStatusChecks

		return m

	case integrationDone:
		if m.status != StatusIntegrating && m.status != StatusRunningStatusChecks {
			return m
		}

		m.metadata = nil
		m.status = nextReadyOrIdle(m)

		return m

	case integrationFailed:
		if m.status != StatusIntegrating && m.status != StatusRunningStatusChecks {
			return m
		}

		m.metadata = e.meta
		m.err = e.reason
		m.status = StatusIntegrationFailed

		return m

	case statusChecksPassed:
		if m.status != StatusRunningStatusChecks {
			return m
		}

		m.metadata = e.meta
		m.status = StatusIntegrating

		return m

	case statusChecksFailed:
		if m.status != StatusRunningStatusChecks {
			return m
		}

		m.metadata = e.meta
		m.err = FailureChecksFailing
		m.status = StatusIntegrationFailed

		return m

	case statusChecksTimedOut:
		if m.status != StatusRunningStatusChecks {
			return m
		}

		m.metadata = e.meta
		m.err = FailureTimedOut
		m.status = StatusIntegrationFailed

		return m

	case integrationFailureHandled:
		if m.status != StatusIntegrationFailed {
			return m
		}

		m.metadata = nil
		m.err = ""
		m.status = nextReadyOrIdle(m)

		return m

	case poke:
		return m
	}

	return m
}

func nextReadyOrIdle(m machineState) Status {
	if m.queue.Len() == 0 {
		return StatusIdle
	}

	return StatusReady
}
