// Package upstream is the HTTP adapter to the external system of record.
// It is the only place that knows the remote protocol; every outcome leaves
// this package either as a WriteResult or as a classified failure.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/failure"
	"github.com/Skyrin/go-writeback/record"
	"github.com/rs/zerolog/log"
)

const (
	ECode040101 = e.Code0401 + "01"
	ECode040102 = e.Code0401 + "02"
	ECode040103 = e.Code0401 + "03"
	ECode040104 = e.Code0401 + "04"
	ECode040105 = e.Code0401 + "05"

	// DefaultPath the path of the record resource, relative to the base URL
	DefaultPath = "/records/"
	// DefaultTimeout bounds a single call, connection retries included
	DefaultTimeout = 30 * time.Second
	// DefaultConnRetries connection-level retries within one call
	DefaultConnRetries = 2
	// DefaultConnRetryDelay pause between connection-level retries
	DefaultConnRetryDelay = 250 * time.Millisecond

	// HeaderIdempotencyKey lets the remote system deduplicate replays
	HeaderIdempotencyKey = "Idempotency-Key"

	maxErrorBody = 64 << 10
)

// WriteOptions sent with every write
type WriteOptions struct {
	BaseVersion    int64
	Actor          string
	Reason         string
	IdempotencyKey string
}

// WriteResult a successful write
type WriteResult struct {
	NewVersion int64     `json:"version"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// RecordWriter the outbound operations of the system of record
type RecordWriter interface {
	UpdateRecord(ctx context.Context, id string, changes record.ChangeSet, opts WriteOptions) (*WriteResult, error)
	DeleteRecord(ctx context.Context, id string, opts WriteOptions) (*WriteResult, error)
}

// Config for NewClient
type Config struct {
	BaseURL        string
	Path           string
	Token          string
	Timeout        time.Duration
	ConnRetries    int
	ConnRetryDelay time.Duration
	HTTPClient     *http.Client
}

// Client handles requests to the remote record API
type Client struct {
	baseURL        string
	path           string
	token          string
	timeout        time.Duration
	connRetries    int
	connRetryDelay time.Duration
	httpClient     *http.Client
}

type writeRequest struct {
	Changes     *record.ChangeSet `json:"changes,omitempty"`
	BaseVersion int64             `json:"baseVersion"`
	Actor       string            `json:"actor,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

type errorResponse struct {
	Error             string   `json:"error"`
	Message           string   `json:"message"`
	CurrentVersion    int64    `json:"currentVersion"`
	ConflictingFields []string `json:"conflictingFields"`
}

// NewClient returns a new client for one tenant
func NewClient(cfg Config) (c *Client, err error) {
	if cfg.BaseURL == "" {
		return nil, e.N(ECode040101, "base url not specified")
	}

	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, e.W(err, ECode040102, cfg.BaseURL)
	}

	c = &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		path:           cfg.Path,
		token:          cfg.Token,
		timeout:        cfg.Timeout,
		connRetries:    cfg.ConnRetries,
		connRetryDelay: cfg.ConnRetryDelay,
		httpClient:     cfg.HTTPClient,
	}

	if c.path == "" {
		c.path = DefaultPath
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.connRetries < 0 {
		c.connRetries = 0
	}
	if c.connRetryDelay <= 0 {
		c.connRetryDelay = DefaultConnRetryDelay
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}

	return c, nil
}

// UpdateRecord applies the changes to record id, conditioned on
// opts.BaseVersion
func (c *Client) UpdateRecord(ctx context.Context, id string, changes record.ChangeSet,
	opts WriteOptions) (*WriteResult, error) {
	return c.send(ctx, http.MethodPatch, id, writeRequest{
		Changes:     &changes,
		BaseVersion: opts.BaseVersion,
		Actor:       opts.Actor,
		Reason:      opts.Reason,
	}, opts.IdempotencyKey)
}

// DeleteRecord deletes record id, conditioned on opts.BaseVersion
func (c *Client) DeleteRecord(ctx context.Context, id string, opts WriteOptions) (*WriteResult, error) {
	return c.send(ctx, http.MethodDelete, id, writeRequest{
		BaseVersion: opts.BaseVersion,
		Actor:       opts.Actor,
		Reason:      opts.Reason,
	}, opts.IdempotencyKey)
}

func (c *Client) recordURL(id string) string {
	return c.baseURL + c.path + url.PathEscape(id)
}

// send performs the request, retrying connection-level errors only
func (c *Client) send(ctx context.Context, method, id string, body writeRequest,
	idempotencyKey string) (*WriteResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, failure.Wrap(failure.KindValidation, e.W(err, ECode040103), "unable to encode request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.connRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, classifyTransportError(ctx.Err())
			case <-time.After(c.connRetryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.recordURL(id), bytes.NewReader(payload))
		if err != nil {
			return nil, failure.Wrap(failure.KindValidation, e.W(err, ECode040104), "unable to build request")
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if idempotencyKey != "" {
			req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
		}

		res, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if isConnectionError(err) && !isTimeout(err) {
				log.Debug().Err(err).Msgf("[%s]connection error on attempt %d, retrying", ECode040105, attempt+1)
				continue
			}
			return nil, classifyTransportError(err)
		}

		return readResponse(res)
	}

	return nil, classifyTransportError(lastErr)
}

// readResponse maps the HTTP response to a result or a classified failure
func readResponse(res *http.Response) (*WriteResult, error) {
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		wr := &WriteResult{}
		if err := json.NewDecoder(res.Body).Decode(wr); err != nil {
			return nil, failure.Wrap(failure.KindUnknown, err, "unreadable success response")
		}
		return wr, nil
	}

	b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	er := &errorResponse{}
	_ = json.Unmarshal(b, er)

	msg := er.Message
	if msg == "" {
		msg = er.Error
	}
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}

	fe := &failure.Error{
		Kind:       KindForStatus(res.StatusCode),
		Message:    msg,
		StatusCode: res.StatusCode,
	}

	switch fe.Kind {
	case failure.KindConflict:
		fe.Conflict = &failure.ConflictDetail{
			CurrentVersion:    er.CurrentVersion,
			ConflictingFields: er.ConflictingFields,
		}
	case failure.KindRateLimit:
		fe.RetryAfter = parseRetryAfter(res.Header.Get("Retry-After"), time.Now())
	}

	return nil, fe
}

// KindForStatus maps an HTTP status code to a failure kind
func KindForStatus(status int) failure.Kind {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return failure.KindValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return failure.KindAuth
	case status == http.StatusNotFound, status == http.StatusGone:
		return failure.KindNotFound
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return failure.KindConflict
	case status == http.StatusTooManyRequests:
		return failure.KindRateLimit
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return failure.KindTimeout
	case status >= 500:
		return failure.KindTransientServer
	}
	return failure.KindUnknown
}

func classifyTransportError(err error) error {
	if isTimeout(err) {
		return failure.Wrap(failure.KindTimeout, err, "request timed out")
	}
	return failure.Wrap(failure.KindUnknown, err, "request failed")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isConnectionError whether the request most likely never reached the
// remote application
func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}

	return 0
}

// String describes the client for logs
func (c *Client) String() string {
	return fmt.Sprintf("upstream(%s)", c.baseURL)
}
