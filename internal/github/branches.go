// Package github resolves repository metadata used when linking a
// deployment to a repository.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"cloudship/internal/deployment"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Resolver looks up a repository's default branch, falling back to a
// configured branch name when no API token is available.
type Resolver struct {
	client   *gh.Client
	fallback string
}

// NewResolver returns a Resolver. An empty token disables API lookups.
func NewResolver(ctx context.Context, token, fallback string) *Resolver {
	r := &Resolver{fallback: fallback}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		r.client = gh.NewClient(oauth2.NewClient(ctx, ts))
	}
	return r
}

// WithBaseURL points API calls at a GitHub Enterprise or test server.
func (r *Resolver) WithBaseURL(base string) (*Resolver, error) {
	if r.client == nil {
		return r, nil
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
	}
	r.client.BaseURL = u
	return r, nil
}

// DefaultBranch returns the default branch of fullName ("owner/repo").
func (r *Resolver) DefaultBranch(ctx context.Context, fullName string) (string, error) {
	if r.client == nil {
		return r.fallback, nil
	}

	owner, name, ok := strings.Cut(fullName, "/")
	if !ok {
		return "", fmt.Errorf("%w: repository must be owner/name, got %q", deployment.ErrValidation, fullName)
	}

	repo, _, err := r.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		var ghErr *gh.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: repository %s", deployment.ErrNotFound, fullName)
		}
		return "", fmt.Errorf("%w: failed to look up %s: %v", deployment.ErrExternalService, fullName, err)
	}

	if b := repo.GetDefaultBranch(); b != "" {
		return b, nil
	}
	return r.fallback, nil
}
