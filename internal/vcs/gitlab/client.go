// Package gitlab looks up commits and users on a GitLab instance through its
// REST API.
package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var ErrCommitNotFound = errors.New("commit not found")

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid gitlab url %q", c.BaseURL)
	}
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("gitlab token is required when gitlab url is set")
	}
	return nil
}

// Commit carries the fields of a commit used to enrich a run.
type Commit struct {
	ID          string    `json:"id"`
	AuthoredAt  time.Time `json:"authored_date"`
	AuthorEmail string    `json:"author_email"`
	AuthorName  string    `json:"author_name"`
}

type user struct {
	Username string `json:"username"`
}

type Client struct {
	baseURL *url.URL
	http    *http.Client
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, errors.New("gitlab url is required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, err
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient.Timeout = timeout
	return &Client{baseURL: base, http: httpClient}, nil
}

// CommitData resolves sha in the given project.
func (c *Client) CommitData(ctx context.Context, projectID, sha string) (Commit, error) {
	sha = strings.TrimSuffix(strings.TrimSpace(sha), "-dirty")
	if sha == "" {
		return Commit{}, fmt.Errorf("%w: empty hash", ErrCommitNotFound)
	}
	endpoint := c.endpoint("api", "v4", "projects", projectID, "repository", "commits", sha)
	var commit Commit
	status, err := c.getJSON(ctx, endpoint, &commit)
	if status == http.StatusNotFound {
		return Commit{}, fmt.Errorf("%w: %s in project %s", ErrCommitNotFound, sha, projectID)
	}
	if err != nil {
		return Commit{}, err
	}
	return commit, nil
}

// Username returns the username of the first user matching query, or query
// itself when nobody matches.
func (c *Client) Username(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", nil
	}
	endpoint := c.endpoint("api", "v4", "users")
	endpoint.RawQuery = url.Values{"search": []string{query}}.Encode()
	var users []user
	if _, err := c.getJSON(ctx, endpoint, &users); err != nil {
		return query, err
	}
	if len(users) == 0 || users[0].Username == "" {
		return query, nil
	}
	return users[0].Username, nil
}

func (c *Client) endpoint(parts ...string) *url.URL {
	u := *c.baseURL
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	u.RawPath = strings.TrimRight(u.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(parts, "/")
	return &u
}

func (c *Client) getJSON(ctx context.Context, endpoint *url.URL, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("gitlab request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("gitlab %s: status %d: %s", endpoint.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode gitlab response: %w", err)
	}
	return resp.StatusCode, nil
}
