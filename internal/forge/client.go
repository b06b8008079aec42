package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gitea REST client covering the operations the agent
// and webhook paths need. All calls carry token auth and a bounded context.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the configured API origin, used to build web links.
func (c *Client) BaseURL() string { return c.baseURL }

type Repo struct {
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
	HTMLURL     string `json:"html_url"`
}

type User struct {
	Login string `json:"login"`
}

type Issue struct {
	Number  int64     `json:"number"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	State   string    `json:"state"`
	User    User      `json:"user"`
	HTMLURL string    `json:"html_url"`
	Labels  []Label   `json:"labels"`
	Updated time.Time `json:"updated_at"`
}

type Label struct {
	Name string `json:"name"`
}

type PullRequest struct {
	Number  int64  `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
	Head    Branch `json:"head"`
	Base    Branch `json:"base"`
}

type Branch struct {
	Ref string `json:"ref"`
	Sha string `json:"sha"`
}

type Comment struct {
	ID      int64  `json:"id"`
	Body    string `json:"body"`
	User    User   `json:"user"`
	HTMLURL string `json:"html_url"`
}

// ListRepos lists repositories visible to the token.
func (c *Client) ListRepos(ctx context.Context) ([]Repo, error) {
	var repos []Repo
	if err := c.get(ctx, "/api/v1/user/repos?limit=50", &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// GetIssue fetches one issue by repo ("owner/name") and number.
func (c *Client) GetIssue(ctx context.Context, repo string, number int64) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/api/v1/repos/%s/issues/%d", repo, number)
	if err := c.get(ctx, path, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// ListIssues lists open issues on a repo.
func (c *Client) ListIssues(ctx context.Context, repo string) ([]Issue, error) {
	var issues []Issue
	path := fmt.Sprintf("/api/v1/repos/%s/issues?state=open&type=issues&limit=50", repo)
	if err := c.get(ctx, path, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// GetPull fetches one pull request.
func (c *Client) GetPull(ctx context.Context, repo string, number int64) (*PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/api/v1/repos/%s/pulls/%d", repo, number)
	if err := c.get(ctx, path, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// CreatePull opens a pull request from head to base.
func (c *Client) CreatePull(ctx context.Context, repo, title, body, head, base string) (*PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/api/v1/repos/%s/pulls", repo)
	payload := map[string]string{"title": title, "body": body, "head": head, "base": base}
	if err := c.post(ctx, path, payload, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// CreateComment posts a comment on an issue or pull request.
func (c *Client) CreateComment(ctx context.Context, repo string, number int64, body string) (*Comment, error) {
	var comment Comment
	path := fmt.Sprintf("/api/v1/repos/%s/issues/%d/comments", repo, number)
	if err := c.post(ctx, path, map[string]string{"body": body}, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// CreateIssue opens a new issue.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/api/v1/repos/%s/issues", repo)
	if err := c.post(ctx, path, map[string]string{"title": title, "body": body}, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// SearchIssues searches issues across repos visible to the token.
func (c *Client) SearchIssues(ctx context.Context, query string) ([]Issue, error) {
	var issues []Issue
	path := "/api/v1/repos/issues/search?limit=25&q=" + url.QueryEscape(query)
	if err := c.get(ctx, path, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("forge: marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("forge: build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("forge: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("forge: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return fmt.Errorf("forge: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("forge: decode response: %w", err)
	}
	return nil
}
