package lakefs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/shared/config"
)

// Client errors.
var (
	ErrNotFound = errors.New("lakefs: not found")
	ErrConflict = errors.New("lakefs: conflict")
)

// IsNotFound reports whether err is a not-found from the store.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Client is a REST client for a LakeFS-shaped versioned object store.
type Client struct {
	endpoint   string
	accessKey  string
	secretKey  string
	httpClient *http.Client
}

// New creates a versioned-store client.
func New(cfg *config.LakeFSConfig) *Client {
	return &Client{
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
		accessKey: cfg.AccessKeyID,
		secretKey: cfg.SecretAccessKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// ObjectStats describes one object at a ref.
type ObjectStats struct {
	Path            string `json:"path"`
	PathType        string `json:"path_type"` // object | common_prefix
	PhysicalAddress string `json:"physical_address"`
	Checksum        string `json:"checksum"`
	SizeBytes       int64  `json:"size_bytes"`
	Mtime           int64  `json:"mtime"`
	ContentType     string `json:"content_type,omitempty"`
}

// Branch describes a branch head.
type Branch struct {
	ID       string `json:"id"`
	CommitID string `json:"commit_id"`
}

// Commit describes a store commit.
type Commit struct {
	ID           string            `json:"id"`
	Parents      []string          `json:"parents"`
	Committer    string            `json:"committer"`
	Message      string            `json:"message"`
	CreationDate int64             `json:"creation_date"`
	MetaRangeID  string            `json:"meta_range_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Repository describes a store repository.
type Repository struct {
	ID               string `json:"id"`
	StorageNamespace string `json:"storage_namespace"`
	DefaultBranch    string `json:"default_branch"`
	CreationDate     int64  `json:"creation_date"`
}

// ListResult is one page of a listing.
type ListResult struct {
	Results    []ObjectStats `json:"results"`
	Pagination Pagination    `json:"pagination"`
}

// Pagination carries paging state for listings.
type Pagination struct {
	HasMore    bool   `json:"has_more"`
	NextOffset string `json:"next_offset"`
	Results    int    `json:"results"`
	MaxPerPage int    `json:"max_per_page"`
}

// Diff is one entry of a refs diff.
type Diff struct {
	Type      string `json:"type"` // added | removed | changed
	Path      string `json:"path"`
	PathType  string `json:"path_type"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	u := c.endpoint + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.accessKey, c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lakefs %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(string(msg)))
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, strings.TrimSpace(string(msg)))
	default:
		return fmt.Errorf("lakefs: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// CreateRepo creates a repository with the given storage namespace and
// default branch.
func (c *Client) CreateRepo(ctx context.Context, name, storageNamespace, defaultBranch string) (*Repository, error) {
	var repo Repository
	err := c.do(ctx, http.MethodPost, "/repositories", nil, map[string]string{
		"name":              name,
		"storage_namespace": storageNamespace,
		"default_branch":    defaultBranch,
	}, &repo)
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// DeleteRepo deletes a repository.
func (c *Client) DeleteRepo(ctx context.Context, name string, force bool) error {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	return c.do(ctx, http.MethodDelete, "/repositories/"+url.PathEscape(name), q, nil, nil)
}

// GetBranch returns a branch head.
func (c *Client) GetBranch(ctx context.Context, repo, branch string) (*Branch, error) {
	var b Branch
	path := fmt.Sprintf("/repositories/%s/branches/%s", url.PathEscape(repo), url.PathEscape(branch))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBranches lists all branches of a repository.
func (c *Client) ListBranches(ctx context.Context, repo string) ([]Branch, error) {
	var page struct {
		Results    []Branch   `json:"results"`
		Pagination Pagination `json:"pagination"`
	}
	path := fmt.Sprintf("/repositories/%s/branches", url.PathEscape(repo))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}

// CreateBranch creates a branch from source.
func (c *Client) CreateBranch(ctx context.Context, repo, branch, source string) error {
	path := fmt.Sprintf("/repositories/%s/branches", url.PathEscape(repo))
	return c.do(ctx, http.MethodPost, path, nil, map[string]string{
		"name":   branch,
		"source": source,
	}, nil)
}

// DeleteBranch deletes a branch.
func (c *Client) DeleteBranch(ctx context.Context, repo, branch string) error {
	path := fmt.Sprintf("/repositories/%s/branches/%s", url.PathEscape(repo), url.PathEscape(branch))
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// StatObject returns stats for one object at a ref.
func (c *Client) StatObject(ctx context.Context, repo, ref, objPath string) (*ObjectStats, error) {
	var stats ObjectStats
	q := url.Values{"path": {objPath}}
	path := fmt.Sprintf("/repositories/%s/refs/%s/objects/stat", url.PathEscape(repo), url.PathEscape(ref))
	if err := c.do(ctx, http.MethodGet, path, q, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListObjects lists objects under prefix at a ref. With delimiter "/" the
// results include common_prefix entries for directories.
func (c *Client) ListObjects(ctx context.Context, repo, ref, prefix, delimiter string, amount int, after string) (*ListResult, error) {
	q := url.Values{}
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if delimiter != "" {
		q.Set("delimiter", delimiter)
	}
	if amount > 0 {
		q.Set("amount", strconv.Itoa(amount))
	}
	if after != "" {
		q.Set("after", after)
	}

	var page ListResult
	path := fmt.Sprintf("/repositories/%s/refs/%s/objects/ls", url.PathEscape(repo), url.PathEscape(ref))
	if err := c.do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListAllObjects walks every page of a recursive listing.
func (c *Client) ListAllObjects(ctx context.Context, repo, ref, prefix string) ([]ObjectStats, error) {
	var all []ObjectStats
	after := ""
	for {
		page, err := c.ListObjects(ctx, repo, ref, prefix, "", 1000, after)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Results...)
		if !page.Pagination.HasMore {
			return all, nil
		}
		after = page.Pagination.NextOffset
	}
}

// GetObject fetches object content at a ref. Caller closes the reader.
func (c *Client) GetObject(ctx context.Context, repo, ref, objPath string) (io.ReadCloser, error) {
	q := url.Values{"path": {objPath}}
	u := fmt.Sprintf("%s/api/v1/repositories/%s/refs/%s/objects?%s",
		c.endpoint, url.PathEscape(repo), url.PathEscape(ref), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.accessKey, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lakefs get object: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// UploadObject streams content to a path on a branch.
func (c *Client) UploadObject(ctx context.Context, repo, branch, objPath string, content io.Reader) (*ObjectStats, error) {
	q := url.Values{"path": {objPath}}
	u := fmt.Sprintf("%s/api/v1/repositories/%s/branches/%s/objects?%s",
		c.endpoint, url.PathEscape(repo), url.PathEscape(branch), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, content)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.accessKey, c.secretKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lakefs upload object: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var stats ObjectStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &stats, nil
}

// DeleteObject removes a path from a branch's staging area.
func (c *Client) DeleteObject(ctx context.Context, repo, branch, objPath string) error {
	q := url.Values{"path": {objPath}}
	path := fmt.Sprintf("/repositories/%s/branches/%s/objects", url.PathEscape(repo), url.PathEscape(branch))
	return c.do(ctx, http.MethodDelete, path, q, nil, nil)
}

// LinkPhysicalAddress attaches an externally uploaded object (already in the
// object store) to a logical path on a branch without copying bytes.
func (c *Client) LinkPhysicalAddress(ctx context.Context, repo, branch, objPath, physicalAddress, checksum string, sizeBytes int64) (*ObjectStats, error) {
	q := url.Values{"path": {objPath}}
	path := fmt.Sprintf("/repositories/%s/branches/%s/staging/backing", url.PathEscape(repo), url.PathEscape(branch))

	body := map[string]any{
		"staging": map[string]any{
			"physical_address": physicalAddress,
		},
		"checksum":   checksum,
		"size_bytes": sizeBytes,
	}

	var stats ObjectStats
	if err := c.do(ctx, http.MethodPut, path, q, body, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// CommitBranch commits staged changes on a branch.
func (c *Client) CommitBranch(ctx context.Context, repo, branch, message string, metadata map[string]string) (*Commit, error) {
	path := fmt.Sprintf("/repositories/%s/branches/%s/commits", url.PathEscape(repo), url.PathEscape(branch))
	body := map[string]any{"message": message}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	var commit Commit
	if err := c.do(ctx, http.MethodPost, path, nil, body, &commit); err != nil {
		return nil, err
	}
	return &commit, nil
}

// GetCommit returns a commit by id.
func (c *Client) GetCommit(ctx context.Context, repo, commitID string) (*Commit, error) {
	var commit Commit
	path := fmt.Sprintf("/repositories/%s/commits/%s", url.PathEscape(repo), url.PathEscape(commitID))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &commit); err != nil {
		return nil, err
	}
	return &commit, nil
}

// LogCommits returns the commit log of a ref, newest first.
func (c *Client) LogCommits(ctx context.Context, repo, ref string, amount int) ([]Commit, error) {
	q := url.Values{}
	if amount > 0 {
		q.Set("amount", strconv.Itoa(amount))
	}
	var page struct {
		Results    []Commit   `json:"results"`
		Pagination Pagination `json:"pagination"`
	}
	path := fmt.Sprintf("/repositories/%s/refs/%s/commits", url.PathEscape(repo), url.PathEscape(ref))
	if err := c.do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}

// DiffRefs lists differences between two refs.
func (c *Client) DiffRefs(ctx context.Context, repo, left, right string) ([]Diff, error) {
	var page struct {
		Results    []Diff     `json:"results"`
		Pagination Pagination `json:"pagination"`
	}
	path := fmt.Sprintf("/repositories/%s/refs/%s/diff/%s",
		url.PathEscape(repo), url.PathEscape(left), url.PathEscape(right))
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}
