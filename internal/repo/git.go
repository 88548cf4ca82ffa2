// Package repo clones target repositories and commits generated results back.
package repo

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/pipeline"
)

// TokenSource returns the current GitHub token, empty when unset
type TokenSource func() string

// StaticToken returns a TokenSource that always yields token
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

// Git implements pipeline.RepoAccess with the git CLI
type Git struct {
	// Token authenticates https clones and pushes. It is read once per
	// operation, so credential changes apply to the next clone or push.
	Token       TokenSource
	AuthorName  string
	AuthorEmail string
}

var _ pipeline.RepoAccess = (*Git)(nil)

// NewGit creates a Git with the default commit identity
func NewGit(token TokenSource) *Git {
	if token == nil {
		token = StaticToken("")
	}
	return &Git{
		Token:       token,
		AuthorName:  "uiqa",
		AuthorEmail: "uiqa@users.noreply.github.com",
	}
}

// Clone makes a shallow checkout of branch into dest. dest must not exist.
// The token is not left in the checkout's remote config.
func (g *Git) Clone(ctx context.Context, repoURL, branch, dest string) (*pipeline.Checkout, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("creating clone dir: %w", err)
	}
	token := g.Token()
	if _, err := g.run(ctx, token, "", "clone", "--depth", "1", "--branch", branch, authURL(repoURL, token), dest); err != nil {
		return nil, err
	}
	if authed := authURL(repoURL, token); authed != repoURL {
		if _, err := g.run(ctx, token, dest, "remote", "set-url", "origin", repoURL); err != nil {
			return nil, err
		}
	}
	sha, err := g.run(ctx, token, dest, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &pipeline.Checkout{Dir: dest, Branch: branch, Commit: sha}, nil
}

// CommitResults commits everything in the checkout and pushes it to the
// cloned branch. A clean tree is not an error.
func (g *Git) CommitResults(ctx context.Context, co *pipeline.Checkout, message string) error {
	token := g.Token()
	status, err := g.run(ctx, token, co.Dir, "status", "--porcelain")
	if err != nil {
		return err
	}
	if status == "" {
		return nil
	}
	if _, err := g.run(ctx, token, co.Dir, "add", "-A"); err != nil {
		return err
	}
	if _, err := g.run(ctx, token, co.Dir,
		"-c", "user.name="+g.AuthorName,
		"-c", "user.email="+g.AuthorEmail,
		"commit", "-m", message); err != nil {
		return err
	}
	origin, err := g.run(ctx, token, co.Dir, "remote", "get-url", "origin")
	if err != nil {
		return err
	}
	_, err = g.run(ctx, token, co.Dir, "push", authURL(origin, token), "HEAD:refs/heads/"+co.Branch)
	return err
}

func (g *Git) run(ctx context.Context, token, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], redact(strings.TrimSpace(string(out)), token), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// authURL embeds the token into https URLs
func authURL(raw, token string) string {
	if token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return raw
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
