package ci

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// GitHub implements Platform against the GitHub REST API for a single
// repository.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
}

// Compile-time check that GitHub satisfies the Platform interface.
var _ Platform = (*GitHub)(nil)

// NewGitHub creates a Platform for the repository identified by repoURL
// (e.g. "https://github.com/org/repo"), authenticated with a personal
// access token or an installation token.
func NewGitHub(ctx context.Context, repoURL, token string) (*GitHub, error) {
	owner, repo, err := splitRepoURL(repoURL)
	if err != nil {
		return nil, err
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := github.NewClient(oauth2.NewClient(ctx, ts))

	return &GitHub{client: client, owner: owner, repo: repo}, nil
}

// CreateRegistrationToken mints a single-use runner registration token
// for the repository.
func (g *GitHub) CreateRegistrationToken(ctx context.Context) (string, error) {
	token, _, err := g.client.Actions.CreateRegistrationToken(ctx, g.owner, g.repo)
	if err != nil {
		return "", fmt.Errorf("create registration token for %s/%s: %w", g.owner, g.repo, err)
	}
	if token.GetToken() == "" {
		return "", fmt.Errorf("create registration token for %s/%s: empty token in response", g.owner, g.repo)
	}
	return token.GetToken(), nil
}

// ListRunners returns every self-hosted runner registered on the
// repository, paging through the full list.
func (g *GitHub) ListRunners(ctx context.Context) ([]Runner, error) {
	opts := &github.ListRunnersOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var all []Runner
	for {
		runners, resp, err := g.client.Actions.ListRunners(ctx, g.owner, g.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list runners for %s/%s: %w", g.owner, g.repo, err)
		}
		for _, r := range runners.Runners {
			all = append(all, Runner{
				ID:     r.GetID(),
				Name:   r.GetName(),
				Online: r.GetStatus() == "online",
			})
		}
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// splitRepoURL extracts "owner" and "repo" from a repository URL.
func splitRepoURL(repoURL string) (owner, repo string, err error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", fmt.Errorf("parse repository url %q: %w", repoURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository url %q must be of the form https://github.com/<owner>/<repo>", repoURL)
	}
	return parts[0], parts[1], nil
}
