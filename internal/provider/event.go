// Package provider defines the event types the webhook ingestion layer
// hands to the merge queue dispatcher.
package provider

import "github.com/simplesurance/walle/internal/mergequeue"

// PullRequestActionEvent is a single pull-request change classified
// into the action taxonomy the dispatcher understands.
type PullRequestActionEvent struct {
	PullRequest *mergequeue.PullRequest
	Action      mergequeue.PullRequestAction
}

// StatusCheckEvent is a status-check update for a commit.
type StatusCheckEvent = mergequeue.StatusEvent
