package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"scenariodb/internal/scenario"
)

const (
	// Path is where a remote builder listens for build requests.
	Path = "/_scenariodb/build"
	// ChecksumHeader carries the build checksum the remote side computed.
	ChecksumHeader = "X-Scenariodb-Build-Checksum"

	maxMessageLen = 200
)

// Client sends build requests to remote builders. It remembers the build
// checksum each remote reported, keyed by URL, and the builder sends it with
// later requests instead of hashing the source files again. Call Reset after
// editing source files in a long-lived process. It is safe for concurrent use.
type Client struct {
	http   *http.Client
	logger scenario.Logger

	mu        sync.Mutex
	checksums map[string]string
}

var _ scenario.RemoteBuilder = (*Client)(nil)

// NewClient creates a client whose requests give up after timeout. Zero means no timeout.
func NewClient(timeout time.Duration, logger scenario.Logger) *Client {
	if logger == nil {
		logger = scenario.NewNopLogger()
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
		checksums: make(map[string]string),
	}
}

// Build asks the remote builder at s.RemoteBuildURL to build the database and
// returns its name. Callers only send engines whose databases are portable.
// Failures are *scenario.RemoteBuildFailedError and are never retried.
func (c *Client) Build(ctx context.Context, s scenario.Settings) (string, error) {
	url := strings.TrimSuffix(s.RemoteBuildURL, "/") + Path

	var body bytes.Buffer
	if err := NewPayload(s).Encode(&body); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", &scenario.RemoteBuildFailedError{URL: url, Message: "invalid remote build url", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending remote build request", "url", url, "database", s.Database)
	resp, err := c.http.Do(req)
	if err != nil {
		msg := "could not connect to " + url
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			msg = "timed out waiting for " + url
		}
		return "", &scenario.RemoteBuildFailedError{URL: url, Message: msg, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &scenario.RemoteBuildFailedError{URL: url, StatusCode: resp.StatusCode, Message: "reading response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		failure := &scenario.RemoteBuildFailedError{URL: url, StatusCode: resp.StatusCode}
		// A 404 means nothing is listening at the build path; the body adds nothing.
		if resp.StatusCode != http.StatusNotFound {
			failure.Message = truncate(strings.TrimSpace(string(data)), maxMessageLen)
		}
		return "", failure
	}

	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", &scenario.RemoteBuildFailedError{URL: url, StatusCode: resp.StatusCode, Message: "no database name in response"}
	}
	if sum := resp.Header.Get(ChecksumHeader); sum != "" {
		c.mu.Lock()
		c.checksums[s.RemoteBuildURL] = sum
		c.mu.Unlock()
	}
	c.logger.Debug("remote build finished", "url", url, "database", name)
	return name, nil
}

// RemoteBuildChecksum returns the build checksum last reported by the remote at url.
func (c *Client) RemoteBuildChecksum(url string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sum, ok := c.checksums[url]
	return sum, ok
}

// Reset forgets every remembered checksum.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checksums = make(map[string]string)
}

// truncate shortens s to n characters, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
