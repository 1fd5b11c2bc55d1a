package fallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Probe errors.
var (
	errUpstreamMiss   = errors.New("fallback: not found upstream")
	errUpstreamDenied = errors.New("fallback: denied upstream")
)

// client talks to one upstream source behind a circuit breaker, so a
// dead upstream stops delaying every local miss.
type client struct {
	source *Source
	http   *http.Client
	cb     *gobreaker.CircuitBreaker[[]byte]
}

func newClient(source *Source) *client {
	return &client{
		source: source,
		http:   &http.Client{},
		cb: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "fallback-" + source.Name,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *client) endpoint() string {
	return strings.TrimSuffix(c.source.Endpoint, "/")
}

func (c *client) do(ctx context.Context, method, rawURL string, body []byte, timeout time.Duration) ([]byte, error) {
	return c.cb.Execute(func() ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		if c.source.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.source.Token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, errUpstreamMiss
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, errUpstreamDenied
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("fallback: %s returned %d", c.source.Name, resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	})
}

func apiBase(repoType, id string) string {
	return fmt.Sprintf("/api/%ss/%s", repoType, id)
}

func (c *client) repoInfo(ctx context.Context, repoType, id, revision string, timeout time.Duration) ([]byte, error) {
	u := c.endpoint() + apiBase(repoType, id)
	if revision != "" {
		u += "/revision/" + url.PathEscape(revision)
	}
	return c.do(ctx, http.MethodGet, u, nil, timeout)
}

func (c *client) tree(ctx context.Context, repoType, id, revision, path string, recursive bool, timeout time.Duration) ([]byte, error) {
	if revision == "" {
		revision = "main"
	}
	u := fmt.Sprintf("%s%s/tree/%s/%s", c.endpoint(), apiBase(repoType, id), url.PathEscape(revision), path)
	if recursive {
		u += "?recursive=true"
	}
	return c.do(ctx, http.MethodGet, u, nil, timeout)
}

func (c *client) pathsInfo(ctx context.Context, repoType, id, revision string, body []byte, timeout time.Duration) ([]byte, error) {
	if revision == "" {
		revision = "main"
	}
	u := fmt.Sprintf("%s%s/paths-info/%s", c.endpoint(), apiBase(repoType, id), url.PathEscape(revision))
	return c.do(ctx, http.MethodPost, u, body, timeout)
}

func (c *client) list(ctx context.Context, repoType, author string, limit int, timeout time.Duration) ([]byte, error) {
	q := url.Values{}
	if author != "" {
		q.Set("author", author)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := fmt.Sprintf("%s/api/%ss", c.endpoint(), repoType)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil, timeout)
}

// probe checks repository existence upstream with a cheap info request.
func (c *client) probe(ctx context.Context, repoType, id string, timeout time.Duration) error {
	_, err := c.repoInfo(ctx, repoType, id, "", timeout)
	return err
}

// resolveURL builds the upstream download URL for a redirect. Models
// resolve at the root, other types under their prefix.
func (c *client) resolveURL(repoType, id, revision, path string) string {
	prefix := ""
	if repoType != "model" {
		prefix = "/" + repoType + "s"
	}
	if revision == "" {
		revision = "main"
	}
	return fmt.Sprintf("%s%s/%s/resolve/%s/%s", c.endpoint(), prefix, id, url.PathEscape(revision), path)
}
