// Package git manages the local working copy of the fork: clone, upstream
// tracking, branching, commits, diffs and the final push. Every operation is
// recorded in the run log under the equivalent git command line.
package git

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/klauskode/klaus-kode/internal/runlog"
)

// ErrNoChanges is returned when the branch has neither uncommitted changes
// nor commits ahead of its base.
var ErrNoChanges = errors.New("no changes to commit")

// UpstreamRemote is the remote name of the repository the fork came from.
const UpstreamRemote = "upstream"

// Identity is the author recorded on commits made by the tool.
type Identity struct {
	Name  string
	Email string
}

// CommitResult represents the outcome of CommitPending.
type CommitResult struct {
	Committed bool   // a new commit was created from uncommitted changes
	Hash      string // the new commit (if committed)
	Message   string // the commit message (if committed)
	Ahead     int    // commits on the branch that are not on the base
}

// Repo is an opened working copy.
type Repo struct {
	Path string

	repo     *git.Repository
	auth     *githttp.BasicAuth
	depth    int
	identity Identity
	log      *runlog.Logger
}

// Options configure Clone and Open.
type Options struct {
	// Token authenticates HTTPS fetches and pushes. Empty means anonymous.
	Token string
	// Depth limits clone and upstream fetch history. Zero fetches everything.
	Depth    int
	Identity Identity
	Log      *runlog.Logger
}

func (o Options) auth() *githttp.BasicAuth {
	if o.Token == "" {
		return nil
	}
	// Any non-empty username works with token auth.
	return &githttp.BasicAuth{Username: "unused-when-using-access-tokens", Password: o.Token}
}

// Clone clones url into dir, or opens dir when it already holds a clone from
// a previous run. The identity from opts is written to the repository config.
func Clone(ctx context.Context, url, dir string, opts Options) (*Repo, error) {
	r := &Repo{Path: dir, auth: opts.auth(), depth: opts.Depth, identity: opts.Identity, log: opts.Log}

	repo, err := git.PlainOpen(dir)
	switch {
	case err == nil:
		clog.FromContext(ctx).Infof("reusing existing clone at %s", dir)
	case errors.Is(err, git.ErrRepositoryNotExists):
		argv := []string{"git", "clone", "--single-branch", url, dir}
		if opts.Depth > 0 {
			argv = slices.Insert(argv, 2, fmt.Sprintf("--depth=%d", opts.Depth))
		}
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:          url,
			Auth:         r.authMethod(),
			Depth:        opts.Depth,
			SingleBranch: true,
		})
		r.record(argv, err, "")
		if err != nil {
			return nil, fmt.Errorf("failed to clone %s: %w", url, err)
		}
	default:
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	r.repo = repo

	if err := r.setIdentity(); err != nil {
		return nil, err
	}
	return r, nil
}

// Open opens an existing working copy.
func Open(dir string, opts Options) (*Repo, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return &Repo{Path: dir, repo: repo, auth: opts.auth(), depth: opts.Depth, identity: opts.Identity, log: opts.Log}, nil
}

// authMethod returns an untyped nil when no token is configured.
func (r *Repo) authMethod() transport.AuthMethod {
	if r.auth == nil {
		return nil
	}
	return r.auth
}

func (r *Repo) record(argv []string, err error, stdout string) {
	if err != nil {
		r.log.Subprocess(argv, 1, stdout, err.Error())
		return
	}
	r.log.Subprocess(argv, 0, stdout, "")
}

func (r *Repo) setIdentity() error {
	if r.identity.Name == "" && r.identity.Email == "" {
		return nil
	}
	cfg, err := r.repo.Config()
	if err != nil {
		return fmt.Errorf("failed to read repository config: %w", err)
	}
	cfg.User.Name = r.identity.Name
	cfg.User.Email = r.identity.Email
	err = r.repo.SetConfig(cfg)
	r.record([]string{"git", "config", "user.name", r.identity.Name}, err, "")
	r.record([]string{"git", "config", "user.email", r.identity.Email}, err, "")
	if err != nil {
		return fmt.Errorf("failed to set identity: %w", err)
	}
	return nil
}

// SetUpstream points the upstream remote at url, creating it if needed, and
// fetches main and master from it. Missing branches are not an error.
func (r *Repo) SetUpstream(ctx context.Context, url string) error {
	cfg, err := r.repo.Config()
	if err != nil {
		return fmt.Errorf("failed to read repository config: %w", err)
	}
	if remote, ok := cfg.Remotes[UpstreamRemote]; ok {
		remote.URLs = []string{url}
		err = r.repo.SetConfig(cfg)
		r.record([]string{"git", "remote", "set-url", UpstreamRemote, url}, err, "")
	} else {
		_, err = r.repo.CreateRemote(&gitconfig.RemoteConfig{Name: UpstreamRemote, URLs: []string{url}})
		r.record([]string{"git", "remote", "add", UpstreamRemote, url}, err, "")
	}
	if err != nil {
		return fmt.Errorf("failed to configure %s remote: %w", UpstreamRemote, err)
	}

	fetched := 0
	for _, branch := range []string{"main", "master"} {
		err := r.fetchUpstream(ctx, branch)
		if err == nil {
			fetched++
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		clog.FromContext(ctx).Debugf("fetching %s/%s: %v", UpstreamRemote, branch, err)
	}
	if fetched == 0 {
		// Neither conventional name exists; take every branch so the default
		// branch probe has something to choose from.
		if err := r.fetchUpstream(ctx, "*"); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to fetch %s: %w", UpstreamRemote, err)
		}
	}
	return nil
}

func (r *Repo) fetchUpstream(ctx context.Context, branch string) error {
	spec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, UpstreamRemote, branch))
	err := r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: UpstreamRemote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Depth:      r.depth,
		Auth:       r.authMethod(),
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		err = nil
	}
	argv := []string{"git", "fetch", UpstreamRemote, branch}
	if branch == "*" {
		argv = []string{"git", "fetch", UpstreamRemote}
	}
	if r.depth > 0 {
		argv = append(argv, fmt.Sprintf("--depth=%d", r.depth))
	}
	r.record(argv, err, "")
	return err
}

// DefaultBranch probes upstream for main, then master, then the first
// upstream branch in name order. It falls back to "main".
func (r *Repo) DefaultBranch() string {
	for _, branch := range []string{"main", "master"} {
		_, err := r.repo.Reference(plumbing.NewRemoteReferenceName(UpstreamRemote, branch), true)
		r.record([]string{"git", "rev-parse", "--verify", UpstreamRemote + "/" + branch}, err, "")
		if err == nil {
			return branch
		}
	}

	var names []string
	prefix := "refs/remotes/" + UpstreamRemote + "/"
	refs, err := r.repo.References()
	if err == nil {
		_ = refs.ForEach(func(ref *plumbing.Reference) error {
			if name := ref.Name().String(); strings.HasPrefix(name, prefix) && ref.Type() == plumbing.HashReference {
				names = append(names, strings.TrimPrefix(name, prefix))
			}
			return nil
		})
	}
	slices.Sort(names)
	r.record([]string{"git", "branch", "-r"}, err, strings.Join(names, "\n"))
	if len(names) > 0 {
		return names[0]
	}
	return "main"
}

func (r *Repo) baseHash(base string) (plumbing.Hash, error) {
	ref, err := r.repo.Reference(plumbing.NewRemoteReferenceName(UpstreamRemote, base), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to resolve %s/%s: %w", UpstreamRemote, base, err)
	}
	return ref.Hash(), nil
}

// CreateBranch creates (or resets) branch at upstream/base and checks it out.
func (r *Repo) CreateBranch(branch, base string) error {
	hash, err := r.baseHash(base)
	if err != nil {
		return err
	}
	refName := plumbing.NewBranchReferenceName(branch)
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{Branch: refName, Force: true})
	r.record([]string{"git", "checkout", "-B", branch, UpstreamRemote + "/" + base}, err, "")
	if err != nil {
		return fmt.Errorf("failed to check out %s: %w", branch, err)
	}
	return nil
}

// HasChanges checks if the working tree has any uncommitted changes.
func (r *Repo) HasChanges() (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree: %w", err)
	}
	status, err := wt.Status()
	r.record([]string{"git", "status", "--porcelain"}, err, statusText(status))
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}
	return !status.IsClean(), nil
}

func statusText(status git.Status) string {
	if status == nil {
		return ""
	}
	files := make([]string, 0, len(status))
	for path, s := range status {
		files = append(files, fmt.Sprintf("%c%c %s", s.Staging, s.Worktree, path))
	}
	slices.Sort(files)
	return strings.Join(files, "\n")
}

// CommitMessage is the message used when the agent left changes uncommitted.
func CommitMessage(issueNumber int) string {
	return fmt.Sprintf("fix: address issue #%d", issueNumber)
}

// CommitPending stages and commits any uncommitted changes. It returns
// ErrNoChanges when there is nothing to commit and no commits ahead of
// upstream/base.
func (r *Repo) CommitPending(issueNumber int, base string) (*CommitResult, error) {
	dirty, err := r.HasChanges()
	if err != nil {
		return nil, err
	}

	result := &CommitResult{}
	if dirty {
		wt, err := r.repo.Worktree()
		if err != nil {
			return nil, fmt.Errorf("failed to get worktree: %w", err)
		}
		err = wt.AddWithOptions(&git.AddOptions{All: true})
		r.record([]string{"git", "add", "-A"}, err, "")
		if err != nil {
			return nil, fmt.Errorf("failed to stage changes: %w", err)
		}

		message := CommitMessage(issueNumber)
		hash, err := wt.Commit(message, &git.CommitOptions{Author: r.signature()})
		r.record([]string{"git", "commit", "-m", message}, err, "")
		if err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		result.Committed = true
		result.Hash = hash.String()
		result.Message = message
	}

	ahead, err := r.CommitsAhead(base)
	if err != nil {
		return nil, err
	}
	result.Ahead = len(ahead)
	if result.Ahead == 0 {
		return nil, ErrNoChanges
	}
	return result, nil
}

func (r *Repo) signature() *object.Signature {
	name, email := r.identity.Name, r.identity.Email
	if name == "" || email == "" {
		if cfg, err := r.repo.Config(); err == nil {
			name, email = cmp.Or(name, cfg.User.Name), cmp.Or(email, cfg.User.Email)
		}
	}
	return &object.Signature{Name: cmp.Or(name, "klaus-kode"), Email: cmp.Or(email, "klaus-kode@users.noreply.github.com"), When: time.Now()}
}

// CommitsAhead returns the commits reachable from HEAD but not from
// upstream/base, newest first.
func (r *Repo) CommitsAhead(base string) ([]*object.Commit, error) {
	baseHash, err := r.baseHash(base)
	if err != nil {
		return nil, err
	}
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	var ahead []*object.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == baseHash {
			return storer.ErrStop
		}
		ahead = append(ahead, c)
		return nil
	})
	// Shallow history ends in missing parents; everything collected so far
	// is still ahead of the base.
	if err != nil && !errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("failed to walk log: %w", err)
	}

	lines := make([]string, 0, len(ahead))
	for _, c := range ahead {
		lines = append(lines, c.Hash.String()[:7]+" "+firstLine(c.Message))
	}
	r.record([]string{"git", "log", UpstreamRemote + "/" + base + "..HEAD", "--oneline"}, nil, strings.Join(lines, "\n"))
	return ahead, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

var coAuthorLine = regexp.MustCompile(`(?m)^[Cc]o-[Aa]uthored-[Bb]y:.*(\n|$)`)

// StripTrailers removes Co-authored-by lines from a commit message.
func StripTrailers(message string) string {
	stripped := coAuthorLine.ReplaceAllString(message, "")
	if stripped == message {
		return message
	}
	return strings.TrimRight(stripped, "\n") + "\n"
}

// StripCoAuthorTrailers rewrites the commits ahead of upstream/base without
// Co-authored-by trailers and moves the current branch to the rewritten
// head. Trees are unchanged. It returns the number of messages changed.
func (r *Repo) StripCoAuthorTrailers(base string) (int, error) {
	ahead, err := r.CommitsAhead(base)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, c := range ahead {
		if StripTrailers(c.Message) != c.Message {
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}

	head, err := r.repo.Head()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	rewritten := map[plumbing.Hash]plumbing.Hash{}
	var newHead plumbing.Hash
	for i := len(ahead) - 1; i >= 0; i-- {
		c := ahead[i]
		parents := make([]plumbing.Hash, len(c.ParentHashes))
		for j, p := range c.ParentHashes {
			if np, ok := rewritten[p]; ok {
				p = np
			}
			parents[j] = p
		}
		nc := &object.Commit{
			Author:       c.Author,
			Committer:    c.Committer,
			Message:      StripTrailers(c.Message),
			TreeHash:     c.TreeHash,
			ParentHashes: parents,
		}
		obj := r.repo.Storer.NewEncodedObject()
		if err := nc.Encode(obj); err != nil {
			return 0, fmt.Errorf("failed to encode commit: %w", err)
		}
		hash, err := r.repo.Storer.SetEncodedObject(obj)
		if err != nil {
			return 0, fmt.Errorf("failed to store commit: %w", err)
		}
		rewritten[c.Hash] = hash
		newHead = hash
	}

	err = r.repo.Storer.SetReference(plumbing.NewHashReference(head.Name(), newHead))
	r.record([]string{"git", "filter-branch", "-f", "--msg-filter", "sed '/^[Cc]o-[Aa]uthored-[Bb]y:/d'", UpstreamRemote + "/" + base + "..HEAD"}, err, "")
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", head.Name().Short(), err)
	}
	return changed, nil
}

// Diff returns the unified diff of HEAD against upstream/base, truncated to
// maxBytes when maxBytes is positive, and the per-file stat.
func (r *Repo) Diff(base string, maxBytes int) (diff, stat string, err error) {
	baseHash, err := r.baseHash(base)
	if err != nil {
		return "", "", err
	}
	baseCommit, err := r.repo.CommitObject(baseHash)
	if err != nil {
		return "", "", fmt.Errorf("failed to load base commit: %w", err)
	}
	head, err := r.repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	headCommit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return "", "", fmt.Errorf("failed to load HEAD commit: %w", err)
	}

	patch, err := baseCommit.Patch(headCommit)
	if err != nil {
		return "", "", fmt.Errorf("failed to compute diff: %w", err)
	}
	diff = patch.String()
	if maxBytes > 0 && len(diff) > maxBytes {
		diff = diff[:maxBytes]
	}
	stat = patch.Stats().String()
	r.record([]string{"git", "diff", "--stat", UpstreamRemote + "/" + base + "...HEAD"}, nil, stat)
	return diff, stat, nil
}

// Push force-pushes branch to origin. Re-running after a partial publish
// overwrites the previous attempt.
func (r *Repo) Push(ctx context.Context, branch string) error {
	spec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch))
	var progress strings.Builder
	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       r.authMethod(),
		Force:      true,
		Progress:   io.Writer(&progress),
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		err = nil
	}
	r.record([]string{"git", "push", "--force", "origin", branch}, err, progress.String())
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", branch, err)
	}
	return nil
}

// CurrentBranch returns the short name of the checked-out branch.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Name().Short(), nil
}

// Exists reports whether dir already holds a git working copy.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}
