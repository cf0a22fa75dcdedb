// Package remote queries remote study archives over HTTP.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hyperjump/studyfed/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// StudiesPath is the archive query route every peer serves.
	StudiesPath = "/api/v1/archive/studies"
	// NDJSONContentType marks a streamed response of one study per line.
	NDJSONContentType = "application/x-ndjson"
	// HeaderCalledAE and HeaderCallingAE carry the application entity titles.
	HeaderCalledAE  = "X-Called-AE"
	HeaderCallingAE = "X-Calling-AE"

	DefaultTimeout   = 30 * time.Second
	DefaultCallingAE = "STUDYFED"

	maxErrorBody = 512
)

// Client implements query.RemoteProvider against the archive HTTP API.
type Client struct {
	http      *http.Client
	callingAE string
	logger    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout bounds each request, including reading the body.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithCallingAE sets the title this node presents to archives.
func WithCallingAE(ae string) Option {
	return func(c *Client) {
		if ae != "" {
			c.callingAE = ae
		}
	}
}

// NewClient creates a client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: DefaultTimeout},
		callingAE: DefaultCallingAE,
		logger:    zap.NewNop(),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Find returns every study the endpoint matches for params.
func (c *Client) Find(ctx context.Context, params *models.QueryParameters, ep models.Endpoint) ([]*models.Study, error) {
	return c.FindRange(ctx, params, ep, 0, 0)
}

// FindRange returns at most limit studies starting at offset; limit <= 0 means all.
func (c *Client) FindRange(ctx context.Context, params *models.QueryParameters, ep models.Endpoint, offset, limit int) ([]*models.Study, error) {
	if ep.Host == "" || ep.Port <= 0 {
		return nil, models.NewConfigurationError("endpoint %q has no address", ep.Name)
	}
	if lim := c.limiter(ep); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)),
		Path:     StudiesPath,
		RawQuery: EncodeParams(params, offset, limit),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderCalledAE, ep.AETitle)
	req.Header.Set(HeaderCallingAE, c.callingAE)
	if ep.Streaming {
		req.Header.Set("Accept", NDJSONContentType)
	} else {
		req.Header.Set("Accept", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("archive returned %d: %s", resp.StatusCode, msg)
	}

	var studies []*models.Study
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == NDJSONContentType {
		studies, err = decodeStream(resp.Body)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&studies)
	}
	if err != nil {
		return nil, fmt.Errorf("decode archive response: %w", err)
	}
	studies = normalize(studies)
	c.logger.Debug("remote query done",
		zap.String("source", ep.Name),
		zap.String("params", params.String()),
		zap.Int("count", len(studies)),
		zap.Duration("elapsed", time.Since(start)))
	return studies, nil
}

// limiter returns the endpoint's shared limiter, or nil when the endpoint is unlimited.
func (c *Client) limiter(ep models.Endpoint) *rate.Limiter {
	if ep.RateLimit <= 0 {
		return nil
	}
	key := ep.Name + "@" + net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[key]
	if !ok || lim.Limit() != rate.Limit(ep.RateLimit) {
		burst := int(math.Ceil(ep.RateLimit))
		lim = rate.NewLimiter(rate.Limit(ep.RateLimit), burst)
		c.limiters[key] = lim
	}
	return lim
}

func decodeStream(r io.Reader) ([]*models.Study, error) {
	dec := json.NewDecoder(r)
	var out []*models.Study
	for {
		var s models.Study
		err := dec.Decode(&s)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
}

// normalize fills the UID from the fields when a peer left it out and drops rows without one.
func normalize(in []*models.Study) []*models.Study {
	out := in[:0]
	for _, s := range in {
		if s == nil {
			continue
		}
		if s.Fields == nil {
			s.Fields = make(map[string]string)
		}
		if s.UID == "" {
			s.UID = s.Fields[models.FieldStudyInstanceUID]
		}
		if s.UID == "" {
			continue
		}
		s.Fields[models.FieldStudyInstanceUID] = s.UID
		out = append(out, s)
	}
	return out
}

// EncodeParams renders params as a query string in parameter order. Empty values
// are kept so the archive knows which fields to return.
func EncodeParams(params *models.QueryParameters, offset, limit int) string {
	var b strings.Builder
	add := func(k, v string) {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}
	if params != nil {
		for _, k := range params.Keys() {
			add(k, params.Value(k))
		}
	}
	if offset > 0 {
		add("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		add("limit", strconv.Itoa(limit))
	}
	return b.String()
}

// DecodeParams parses an ordered query string back into parameters and the offset/limit window.
func DecodeParams(rawQuery string) (*models.QueryParameters, int, int, error) {
	params := models.NewQueryParameters()
	offset, limit := 0, 0
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("bad parameter name %q: %w", rawKey, err)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("bad value for %q: %w", key, err)
		}
		switch key {
		case "offset", "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, 0, 0, fmt.Errorf("bad %s %q", key, value)
			}
			if key == "offset" {
				offset = n
			} else {
				limit = n
			}
		default:
			params.Set(key, value)
		}
	}
	return params, offset, limit, nil
}
