package github

import "errors"

var (
	errMissingPullRequestOrRepo = errors.New("webhook payload is missing pull_request or repository field")
	errMissingHeadOrBase        = errors.New("webhook payload is missing head or base field")
)
