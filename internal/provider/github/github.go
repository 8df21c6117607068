// Package github receives GitHub webhook HTTP requests, validates and
// parses them, and forwards the two event kinds the merge queue cares
// about — pull-request changes and status-check updates — onto the
// channels registered with New.
package github

import (
	"net/http"

	"github.com/google/go-github/v43/github"
	"go.uber.org/zap"

	"github.com/simplesurance/walle/internal/logfields"
	"github.com/simplesurance/walle/internal/mergequeue"
	"github.com/simplesurance/walle/internal/provider"
)

const loggerName = "github_event_provider"

// Provider validates and parses GitHub webhook requests and fans the
// result out to every registered channel of the matching kind.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte

	prChans     []chan<- *provider.PullRequestActionEvent
	statusChans []chan<- *provider.StatusCheckEvent
}

type Option func(*Provider)

// WithPayloadSecret configures the shared secret used to validate the
// webhook payload signature. If unset, payloads are accepted unsigned.
func WithPayloadSecret(secret string) Option {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

// New constructs a Provider. prChans receives every classified
// pull-request action, statusChans every status-check update; both are
// multicast to all channels passed.
func New(prChans []chan<- *provider.PullRequestActionEvent, statusChans []chan<- *provider.StatusCheckEvent, opts ...Option) *Provider {
	p := Provider{
		prChans:     prChans,
		statusChans: statusChans,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

// HTTPHandler is the http.HandlerFunc registered for the GitHub webhook
// endpoint.
func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logger := p.logger.With(
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	)

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	event, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	switch ev := event.(type) {
	case *github.PullRequestEvent:
		p.handlePullRequestEvent(logger, ev)
	case *github.StatusEvent:
		p.handleStatusEvent(logger, ev)
	default:
		logger.Debug(
			"ignoring event, event type is not relevant for the merge queue",
			logfields.Event("github_event_ignored"),
		)
	}

	resp.WriteHeader(http.StatusOK)
}

func (p *Provider) handlePullRequestEvent(logger *zap.Logger, ev *github.PullRequestEvent) {
	action := toPullRequestAction(ev.GetAction())

	pr, err := toPullRequest(ev)
	if err != nil {
		logger.Info(
			"ignoring pull request event, converting payload failed",
			logfields.Event("github_pull_request_event_conversion_failed"),
			zap.Error(err),
		)
		return
	}

	logger = logger.With(pr.LogFields...)
	logger.Debug(
		"received pull request event",
		logfields.Event("github_pull_request_event_received"),
		zap.String("github.action", ev.GetAction()),
	)

	out := &provider.PullRequestActionEvent{PullRequest: pr, Action: action}

	for _, ch := range p.prChans {
		select {
		case ch <- out:
		default:
			logger.Warn(
				"dropping pull request event, channel is full",
				logfields.Event("github_pull_request_event_dropped"),
			)
		}
	}
}

func toPullRequestAction(action string) mergequeue.PullRequestAction {
	switch action {
	case "opened":
		return mergequeue.ActionOpened
	case "labeled":
		return mergequeue.ActionLabeled
	case "unlabeled":
		return mergequeue.ActionUnlabeled
	case "closed":
		return mergequeue.ActionClosed
	case "synchronize":
		return mergequeue.ActionSynchronize
	default:
		return mergequeue.ActionOther
	}
}

func toPullRequest(ev *github.PullRequestEvent) (*mergequeue.PullRequest, error) {
	pr := ev.GetPullRequest()
	repo := ev.GetRepo()
	if pr == nil || repo == nil {
		return nil, errMissingPullRequestOrRepo
	}

	head := pr.GetHead()
	base := pr.GetBase()
	if head == nil || base == nil {
		return nil, errMissingHeadOrBase
	}

	repository := mergequeue.Repository{Owner: repo.GetOwner().GetLogin(), Name: repo.GetName()}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	return mergequeue.NewPullRequest(
		pr.GetNumber(),
		mergequeue.BranchRef{Repository: repository, Branch: head.GetRef()},
		mergequeue.BranchRef{Repository: repository, Branch: base.GetRef()},
		pr.GetUser().GetLogin(),
		pr.GetTitle(),
		labels,
	)
}

func (p *Provider) handleStatusEvent(logger *zap.Logger, ev *github.StatusEvent) {
	repo := ev.GetRepo()
	if repo == nil || len(ev.Branches) == 0 {
		logger.Debug(
			"ignoring status event, repository or branches are missing",
			logfields.Event("github_status_event_ignored"),
		)
		return
	}

	repository := mergequeue.Repository{Owner: repo.GetOwner().GetLogin(), Name: repo.GetName()}
	state := toStatusState(ev.GetState())

	for _, branch := range ev.Branches {
		out := &mergequeue.StatusEvent{
			Context:   ev.GetContext(),
			State:     state,
			SHA:       ev.GetSHA(),
			BranchRef: mergequeue.BranchRef{Repository: repository, Branch: branch.GetName()},
		}

		logger.Debug(
			"received status event",
			logfields.Event("github_status_event_received"),
			zap.String("github.context", out.Context),
			zap.String("github.branch", branch.GetName()),
		)

		for _, ch := range p.statusChans {
			select {
			case ch <- out:
			default:
				logger.Warn(
					"dropping status event, channel is full",
					logfields.Event("github_status_event_dropped"),
				)
			}
		}
	}
}

func toStatusState(state string) mergequeue.StatusState {
	switch state {
	case "success":
		return mergequeue.StatusStateSuccess
	case "failure", "error":
		return mergequeue.StatusStateFailure
	default:
		return mergequeue.StatusStatePending
	}
}
