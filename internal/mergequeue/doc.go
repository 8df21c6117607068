// Package mergequeue implements the merge-queue core: a MergeService per
// target branch drives a small state machine that accepts labeled pull
// requests, brings them up to date with their target branch, waits for
// status checks, and merges them one at a time; a Dispatcher owns one
// MergeService per target branch and routes host events to the right
// one.
package mergequeue
