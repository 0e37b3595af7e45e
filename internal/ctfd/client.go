// Package ctfd is a minimal client for the CTFd REST API: listing
// challenges, pulling hints and attachment files, and submitting flags.
package ctfd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ClientConfig holds CTFd connection settings.
type ClientConfig struct {
	BaseURL string
	Token   string
}

// Challenge is one platform challenge as listed by the API.
type Challenge struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	Value          int    `json:"value"`
	Description    string `json:"description"`
	ConnectionInfo string `json:"connection_info"`
	SolvedByMe     bool   `json:"solved_by_me"`
	Files          []string
	HintIDs        []int
}

// Hint is an unlocked hint body.
type Hint struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
}

// SubmissionResult is the platform's verdict on a flag attempt.
type SubmissionResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Correct reports whether the platform accepted the flag, counting
// already-solved as accepted.
func (r SubmissionResult) Correct() bool {
	return r.Status == "correct" || r.Status == "already_solved"
}

// Client talks to one CTFd instance.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client for the given instance.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{},
		logger:  logger.With("component", "ctfd"),
	}
}

// envelope is the standard CTFd response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("api call", "method", method, "path", path)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: api error: %s", method, path, env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// ListChallenges returns every visible challenge.
func (c *Client) ListChallenges(ctx context.Context) ([]Challenge, error) {
	var challenges []Challenge
	if err := c.do(ctx, http.MethodGet, "/api/v1/challenges", nil, &challenges); err != nil {
		return nil, err
	}
	return challenges, nil
}

// challengeDetail carries the fields only present on the detail endpoint.
type challengeDetail struct {
	Challenge
	Files []string `json:"files"`
	Hints []struct {
		ID int `json:"id"`
	} `json:"hints"`
}

// GetChallenge returns one challenge with its files and hint ids.
func (c *Client) GetChallenge(ctx context.Context, id int) (*Challenge, error) {
	var detail challengeDetail
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/challenges/%d", id), nil, &detail); err != nil {
		return nil, err
	}
	ch := detail.Challenge
	ch.Files = detail.Files
	for _, h := range detail.Hints {
		ch.HintIDs = append(ch.HintIDs, h.ID)
	}
	return &ch, nil
}

// GetHint returns one unlocked hint.
func (c *Client) GetHint(ctx context.Context, id int) (*Hint, error) {
	var hint Hint
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/hints/%d", id), nil, &hint); err != nil {
		return nil, err
	}
	return &hint, nil
}

// Solve is one accepted submission on the scoreboard.
type Solve struct {
	ChallengeID int    `json:"challenge_id"`
	Type        string `json:"type"`
}

// GetSolves returns the authenticated user's accepted submissions.
func (c *Client) GetSolves(ctx context.Context) ([]Solve, error) {
	var solves []Solve
	if err := c.do(ctx, http.MethodGet, "/api/v1/users/me/solves", nil, &solves); err != nil {
		return nil, err
	}
	return solves, nil
}

// SubmitFlag attempts a flag against a challenge.
func (c *Client) SubmitFlag(ctx context.Context, challengeID int, flag string) (*SubmissionResult, error) {
	body := map[string]any{"challenge_id": challengeID, "submission": flag}
	var result SubmissionResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/challenges/attempt", body, &result); err != nil {
		return nil, err
	}
	c.logger.Info("flag submitted", "challenge", challengeID, "status", result.Status)
	return &result, nil
}

// DownloadFile fetches one challenge attachment into destDir, named after
// the last path element of the file URL. Returns the written path.
func (c *Client) DownloadFile(ctx context.Context, fileURL, destDir string) (string, error) {
	full := fileURL
	if strings.HasPrefix(fileURL, "/") {
		full = c.baseURL + fileURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", fileURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: HTTP %d", fileURL, resp.StatusCode)
	}

	name := fileName(fileURL)
	dest := filepath.Join(destDir, name)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	c.logger.Debug("downloaded attachment", "file", name)
	return dest, nil
}

// fileName extracts a safe local name from a CTFd file URL, which usually
// looks like /files/<hash>/<name>?token=...
func fileName(fileURL string) string {
	path := fileURL
	if u, err := url.Parse(fileURL); err == nil {
		path = u.Path
	}
	name := filepath.Base(path)
	if name == "." || name == "/" || name == "" {
		name = "attachment"
	}
	return name
}
