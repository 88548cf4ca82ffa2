// Package issues files GitHub issues for triaged bugs.
package issues

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/pipeline"
)

// DefaultAPIURL is the public GitHub REST endpoint
const DefaultAPIURL = "https://api.github.com"

// ErrNotGitHub is returned for repository URLs outside github.com
var ErrNotGitHub = errors.New("not a github repository")

var repoPattern = regexp.MustCompile(`github\.com[/:]([^/]+)/([^/]+?)(?:\.git)?/?$`)

// ParseRepo extracts owner and name from a GitHub repository URL
func ParseRepo(repoURL string) (owner, name string, err error) {
	m := repoPattern.FindStringSubmatch(strings.TrimSpace(repoURL))
	if m == nil {
		return "", "", fmt.Errorf("%w: %s", ErrNotGitHub, repoURL)
	}
	return m[1], m[2], nil
}

// PlaceholderURL is the deterministic URL used when no token is configured
func PlaceholderURL(owner, name, bugID string) string {
	return fmt.Sprintf("https://github.com/%s/%s/issues/0#bug_id=%s", owner, name, bugID)
}

// TokenSource returns the current GitHub token, empty when unset
type TokenSource func() string

// GitHub implements pipeline.IssueTracker with the REST API
type GitHub struct {
	apiURL string
	token  TokenSource
	client *http.Client
	logger *zap.Logger
}

var _ pipeline.IssueTracker = (*GitHub)(nil)

// NewGitHub creates a GitHub filer. The token is read on every call so
// settings changes apply to the next issue.
func NewGitHub(apiURL string, token TokenSource, logger *zap.Logger) *GitHub {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &GitHub{
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.Named("issues"),
	}
}

type issueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

type issueResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// FileIssue creates an issue for bug and returns its URL. An open issue
// already carrying the bug's marker is reused.
func (g *GitHub) FileIssue(ctx context.Context, repoURL string, bug *domain.Bug) (string, error) {
	owner, name, err := ParseRepo(repoURL)
	if err != nil {
		return "", err
	}
	token := g.token()
	if token == "" {
		return PlaceholderURL(owner, name, bug.ID), nil
	}

	if existing, err := g.findExisting(ctx, token, owner, name, bug.ID); err != nil {
		g.logger.Warn("issue search failed", zap.String("bug_id", bug.ID), zap.Error(err))
	} else if existing != "" {
		return existing, nil
	}

	body, err := Body(bug)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(issueRequest{Title: Title(bug), Body: body, Labels: Labels(bug)})
	if err != nil {
		return "", err
	}

	var out issueResponse
	endpoint := fmt.Sprintf("%s/repos/%s/%s/issues", g.apiURL, owner, name)
	if err := g.do(ctx, token, http.MethodPost, endpoint, payload, &out); err != nil {
		return "", err
	}
	if out.HTMLURL == "" {
		return "", errors.New("github returned no issue url")
	}
	g.logger.Info("issue filed", zap.String("bug_id", bug.ID), zap.String("url", out.HTMLURL))
	return out.HTMLURL, nil
}

func (g *GitHub) findExisting(ctx context.Context, token, owner, name, bugID string) (string, error) {
	q := fmt.Sprintf(`repo:%s/%s is:issue is:open in:body "%s%s"`, owner, name, MarkerPrefix, bugID)
	endpoint := g.apiURL + "/search/issues?q=" + url.QueryEscape(q)

	var out struct {
		Items []issueResponse `json:"items"`
	}
	if err := g.do(ctx, token, http.MethodGet, endpoint, nil, &out); err != nil {
		return "", err
	}
	if len(out.Items) == 0 {
		return "", nil
	}
	return out.Items[0].HTMLURL, nil
}

func (g *GitHub) do(ctx context.Context, token, method, endpoint string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, r)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "uiqa")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("github %s %s: %d: %s", method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}
