package gitrepo

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/go-github/v67/github"
	platformerrors "github.com/jmgilman/go/errors"

	"foliocache/internal/config"
)

// Dispatcher implements upload.DeployNotifier with a repository_dispatch
// event, which the site's deploy workflow listens for.
type Dispatcher struct {
	client    *github.Client
	owner     string
	repo      string
	eventType string
}

// NewDispatcher authenticates with cfg.Token.
func NewDispatcher(cfg config.GitHubConfig) (*Dispatcher, error) {
	if cfg.Token == "" {
		err := platformerrors.New(platformerrors.CodeInvalidInput, "github token is required for deploy notifications")
		return nil, platformerrors.WithContext(err, "field", "uploads.deploy.github.token")
	}
	return NewDispatcherWithClient(github.NewClient(nil).WithAuthToken(cfg.Token), cfg), nil
}

func NewDispatcherWithClient(c *github.Client, cfg config.GitHubConfig) *Dispatcher {
	return &Dispatcher{client: c, owner: cfg.Owner, repo: cfg.Repo, eventType: cfg.EventType}
}

type dispatchPayload struct {
	Commit  string `json:"commit"`
	Message string `json:"message"`
}

func (d *Dispatcher) NotifyDeploy(ctx context.Context, commitID, message string) error {
	b, err := json.Marshal(dispatchPayload{Commit: commitID, Message: message})
	if err != nil {
		return err
	}
	raw := json.RawMessage(b)
	_, resp, err := d.client.Repositories.Dispatch(ctx, d.owner, d.repo, github.DispatchRequestOptions{
		EventType:     d.eventType,
		ClientPayload: &raw,
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return platformerrors.WithContext(wrapStatus(err, status, "dispatch "+d.eventType), "commit", commitID)
	}
	return nil
}

func wrapStatus(err error, status int, message string) platformerrors.PlatformError {
	code := platformerrors.CodeInternal
	switch {
	case status == http.StatusNotFound:
		code = platformerrors.CodeNotFound
	case status == http.StatusUnauthorized:
		code = platformerrors.CodeUnauthorized
	case status == http.StatusForbidden:
		code = platformerrors.CodeForbidden
	case status == http.StatusUnprocessableEntity:
		code = platformerrors.CodeInvalidInput
	case status == http.StatusTooManyRequests:
		code = platformerrors.CodeRateLimit
	case status == 0 || status >= 500:
		code = platformerrors.CodeNetwork
	}
	return platformerrors.Wrap(err, code, message)
}
