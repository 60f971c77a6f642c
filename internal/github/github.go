// Package github wraps the GitHub REST API calls klaus-kode needs: auth
// checks, repository and issue lookup, search, forking and claim detection.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	gh "github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
)

// Issue is the subset of a GitHub issue the pipeline works with.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
	State  string   `json:"state"`
}

// Repository is the subset of repository metadata used for selection.
type Repository struct {
	FullName    string   `json:"full_name"`
	Description string   `json:"description"`
	Language    string   `json:"language"`
	Stars       int      `json:"stars"`
	OpenIssues  int      `json:"open_issues_count"`
	Topics      []string `json:"topics"`
}

// Scopes reports what the token is allowed to do.
type Scopes struct {
	Authenticated bool
	CanReadRepos  bool
	CanFork       bool
	CanCreatePRs  bool
}

// ErrForkUnavailable is returned when a fork does not appear in time.
var ErrForkUnavailable = errors.New("fork not available")

// Client talks to the GitHub API with a personal access token.
type Client struct {
	gh *gh.Client

	// ForkWaitAttempts and ForkWaitInterval bound the post-fork existence poll.
	ForkWaitAttempts int
	ForkWaitInterval time.Duration
}

// New creates a client authenticated with token. An empty baseURL selects
// api.github.com.
func New(ctx context.Context, token, baseURL string) (*Client, error) {
	var httpClient *http.Client
	if token != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := gh.NewClient(httpClient)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing GitHub API URL: %w", err)
		}
		client.BaseURL = u
	}
	return &Client{gh: client, ForkWaitAttempts: 6, ForkWaitInterval: 5 * time.Second}, nil
}

// SplitRepo splits "owner/name".
func SplitRepo(fullName string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", fullName)
	}
	return owner, name, nil
}

func isNotFound(err error) bool {
	var ghErr *gh.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}

// CheckAuth returns the login of the token's user.
func (c *Client) CheckAuth(ctx context.Context) (string, error) {
	user, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("authenticating with GitHub: %w", err)
	}
	return user.GetLogin(), nil
}

// TokenScopes probes what the token can do. Classic tokens report their
// scopes in a header; fine-grained tokens are probed against endpoints.
func (c *Client) TokenScopes(ctx context.Context) Scopes {
	var s Scopes
	_, resp, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return s
	}
	s.Authenticated = true

	if _, _, err := c.gh.Repositories.Get(ctx, "octocat", "Hello-World"); err == nil {
		s.CanReadRepos = true
	}

	if req, err := c.gh.NewRequest(http.MethodGet, "user/repos", nil); err == nil {
		var repos []*gh.Repository
		if _, err := c.gh.Do(ctx, req, &repos); err == nil {
			s.CanFork = true
		}
	}
	s.CanCreatePRs = s.CanFork

	if resp != nil {
		scopes := strings.ToLower(resp.Header.Get("X-OAuth-Scopes"))
		if strings.Contains(scopes, "repo") {
			s.CanFork = true
			s.CanCreatePRs = true
		}
	}
	return s
}

// ValidateRepo returns the repository, or nil when it does not exist.
func (c *Client) ValidateRepo(ctx context.Context, fullName string) (*Repository, error) {
	owner, name, err := SplitRepo(fullName)
	if err != nil {
		return nil, err
	}
	repo, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", fullName, err)
	}
	r := toRepository(repo)
	return &r, nil
}

// FetchIssue returns the issue, or nil when it does not exist.
func (c *Client) FetchIssue(ctx context.Context, fullName string, number int) (*Issue, error) {
	owner, name, err := SplitRepo(fullName)
	if err != nil {
		return nil, err
	}
	issue, _, err := c.gh.Issues.Get(ctx, owner, name, number)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching issue #%d from %s: %w", number, fullName, err)
	}
	i := toIssue(issue)
	return &i, nil
}

// ListOpenIssues returns up to limit open issues, most recently updated
// first, excluding pull requests.
func (c *Client) ListOpenIssues(ctx context.Context, fullName string, limit int) ([]Issue, error) {
	owner, name, err := SplitRepo(fullName)
	if err != nil {
		return nil, err
	}
	items, _, err := c.gh.Issues.ListByRepo(ctx, owner, name, &gh.IssueListByRepoOptions{
		State:       "open",
		Sort:        "updated",
		ListOptions: gh.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, fmt.Errorf("listing issues of %s: %w", fullName, err)
	}

	issues := make([]Issue, 0, len(items))
	for _, item := range items {
		if item.IsPullRequest() {
			continue
		}
		issues = append(issues, toIssue(item))
	}
	return issues, nil
}

var noiseWords = map[string]bool{
	"repo": true, "repos": true, "repository": true, "repositories": true,
	"project": true, "projects": true, "library": true, "libraries": true,
}

var wordSplit = regexp.MustCompile(`[\s/]+`)

// SearchQuery turns a free-text description into a repository search query.
func SearchQuery(description string) string {
	var kept []string
	for _, w := range wordSplit.Split(description, -1) {
		if w != "" && !noiseWords[strings.ToLower(w)] {
			kept = append(kept, w)
		}
	}
	cleaned := strings.Join(kept, " ")
	if strings.TrimSpace(cleaned) == "" {
		cleaned = description
	}
	return cleaned + " stars:>10"
}

// SearchRepos finds up to limit repositories matching description, most
// starred first.
func (c *Client) SearchRepos(ctx context.Context, description string, limit int) ([]Repository, error) {
	query := SearchQuery(description)
	clog.FromContext(ctx).Debugf("searching repositories: %q", query)
	result, _, err := c.gh.Search.Repositories(ctx, query, &gh.SearchOptions{
		Sort:        "stars",
		Order:       "desc",
		ListOptions: gh.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, fmt.Errorf("searching repositories: %w", err)
	}
	repos := make([]Repository, 0, len(result.Repositories))
	for _, r := range result.Repositories {
		repos = append(repos, toRepository(r))
	}
	return repos, nil
}

// Fork forks fullName into the token user's account and waits until the
// fork is reachable. It returns the fork's full name.
func (c *Client) Fork(ctx context.Context, fullName string) (string, error) {
	owner, name, err := SplitRepo(fullName)
	if err != nil {
		return "", err
	}
	log := clog.FromContext(ctx)

	_, resp, err := c.gh.Repositories.CreateFork(ctx, owner, name, &gh.RepositoryCreateForkOptions{})
	var accepted *gh.AcceptedError
	switch {
	case errors.As(err, &accepted):
		// Forking is asynchronous; 202 is the normal answer.
	case err != nil && resp != nil && resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("forking %s: token lacks fork permission (fine-grained tokens need Contents: read and write, classic tokens need public_repo): %w", fullName, err)
	case err != nil:
		log.Warnf("fork request for %s failed, checking for an existing fork: %v", fullName, err)
	}

	login, err := c.CheckAuth(ctx)
	if err != nil {
		return "", err
	}
	fork := login + "/" + name

	attempts := max(c.ForkWaitAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		repo, err := c.ValidateRepo(ctx, fork)
		if err != nil {
			return "", err
		}
		if repo != nil {
			return fork, nil
		}
		if attempt == attempts {
			break
		}
		log.Infof("waiting for fork %s to be available (attempt %d/%d)", fork, attempt, attempts)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.ForkWaitInterval):
		}
	}
	return "", fmt.Errorf("%w: %s not found after forking", ErrForkUnavailable, fork)
}

var wipLabels = map[string]bool{
	"in progress": true, "in-progress": true, "wip": true, "work in progress": true,
	"work-in-progress": true, "claimed": true, "assigned": true,
}

// ActiveWork reports whether someone is already working on issue: it is
// assigned, carries a work-in-progress label, or an open pull request
// references it. The reason lists every signal found.
func (c *Client) ActiveWork(ctx context.Context, fullName string, issue Issue) (bool, string, error) {
	owner, name, err := SplitRepo(fullName)
	if err != nil {
		return false, "", err
	}
	var reasons []string

	current, _, err := c.gh.Issues.Get(ctx, owner, name, issue.Number)
	if err == nil {
		var logins []string
		for _, a := range current.Assignees {
			logins = append(logins, a.GetLogin())
		}
		if len(logins) > 0 {
			reasons = append(reasons, "assigned to: "+strings.Join(logins, ", "))
		}
	} else if !isNotFound(err) {
		clog.FromContext(ctx).Warnf("checking assignees of #%d: %v", issue.Number, err)
	}

	for _, l := range issue.Labels {
		if wipLabels[strings.ToLower(l)] {
			reasons = append(reasons, fmt.Sprintf("has label: '%s'", l))
		}
	}

	ref := regexp.MustCompile(fmt.Sprintf(`#%d\b`, issue.Number))
	prs, _, err := c.gh.PullRequests.List(ctx, owner, name, &gh.PullRequestListOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	})
	if err != nil {
		clog.FromContext(ctx).Warnf("listing pull requests of %s: %v", fullName, err)
	}
	for _, pr := range prs {
		if !ref.MatchString(pr.GetTitle()) && !ref.MatchString(pr.GetBody()) {
			continue
		}
		kind := "PR"
		if pr.GetDraft() {
			kind = "Draft PR"
		}
		author := pr.GetUser().GetLogin()
		if author == "" {
			author = "unknown"
		}
		reasons = append(reasons, fmt.Sprintf("%s #%d by %s: %s", kind, pr.GetNumber(), author, pr.GetTitle()))
	}

	if len(reasons) == 0 {
		return false, "", nil
	}
	return true, "Issue is already being worked on:\n  - " + strings.Join(reasons, "\n  - "), nil
}

func toIssue(i *gh.Issue) Issue {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.GetName())
	}
	return Issue{
		Number: i.GetNumber(),
		Title:  i.GetTitle(),
		Body:   i.GetBody(),
		Labels: labels,
		State:  i.GetState(),
	}
}

func toRepository(r *gh.Repository) Repository {
	topics := r.Topics
	if topics == nil {
		topics = []string{}
	}
	return Repository{
		FullName:    r.GetFullName(),
		Description: r.GetDescription(),
		Language:    r.GetLanguage(),
		Stars:       r.GetStargazersCount(),
		OpenIssues:  r.GetOpenIssuesCount(),
		Topics:      topics,
	}
}
