// Package dell implements the client side of the Dell warranty API:
// OAuth2 client-credentials token lifecycle, single-tag and batched
// asset-entitlement lookups, and normalization of vendor responses into
// the internal warranty shape.
package dell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"snm/adinventory/servicetag"
)

const (
	tokenPath  = "/auth/oauth/v2/token"
	lookupPath = "/PROD/sbil/eapi/v5/asset-entitlements"

	// The vendor accepts at most 100 comma-joined tags per request.
	batchLimit = 100

	// Tokens are treated as expired 60 seconds early.
	tokenSafetyMargin = 60 * time.Second

	defaultExpiresIn = 3600
)

// Vendor error codes. Per-item lookup failures are data, not exceptions;
// callers branch on these codes.
const (
	CodeInvalidServiceTag  = "INVALID_SERVICE_TAG"
	CodeNotDellMachine     = "NOT_DELL_MACHINE"
	CodeAuthError          = "AUTH_ERROR"
	CodeServiceTagNotFound = "SERVICE_TAG_NOT_FOUND"
	CodeAPIError           = "DELL_API_ERROR"
	CodeTimeout            = "TIMEOUT_ERROR"
)

// LookupError is a classified vendor failure.
type LookupError struct {
	Code    string
	Message string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the vendor error code from err, or UNKNOWN_ERROR.
func CodeOf(err error) string {
	var le *LookupError
	if errors.As(err, &le) {
		return le.Code
	}
	return "UNKNOWN_ERROR"
}

// Client talks to the vendor API. The token is shared by all callers and
// guarded by a mutex so a 401 triggers at most one concurrent refresh.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	log          *zap.Logger
	now          func() time.Time

	singleTimeout time.Duration
	batchTimeout  time.Duration

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
}

// NewClient builds a vendor client for the given credential set.
func NewClient(baseURL, clientID, clientSecret string, log *zap.Logger) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		clientID:      clientID,
		clientSecret:  clientSecret,
		httpClient:    &http.Client{},
		log:           log,
		now:           time.Now,
		singleTimeout: 30 * time.Second,
		batchTimeout:  60 * time.Second,
	}
}

func (c *Client) tokenValid() bool {
	return c.token != "" && c.now().Before(c.tokenExpires)
}

// fetchToken performs the client-credentials POST and stores the token
// with the safety margin already subtracted. Callers hold c.mu.
func (c *Client) fetchToken(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	ctx, cancel := context.WithTimeout(ctx, c.singleTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return &LookupError{Code: CodeAuthError, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("vendor token request failed", zap.Int("status", resp.StatusCode))
		return &LookupError{Code: CodeAuthError, Message: fmt.Sprintf("token endpoint returned %d", resp.StatusCode)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return &LookupError{Code: CodeAuthError, Message: fmt.Sprintf("decode token response: %v", err)}
	}
	if payload.AccessToken == "" {
		return &LookupError{Code: CodeAuthError, Message: "token endpoint returned no access_token"}
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = defaultExpiresIn
	}

	c.token = payload.AccessToken
	c.tokenExpires = c.now().Add(time.Duration(payload.ExpiresIn)*time.Second - tokenSafetyMargin)
	return nil
}

// ensureToken returns a bearer token, refreshing when stale. With force
// set the current token is discarded first (the refresh-once-on-401 path).
func (c *Client) ensureToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if force {
		c.token = ""
	}
	if !c.tokenValid() {
		if err := c.fetchToken(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

// Lookup fetches and normalizes the warranty for a single service tag.
// On 401 exactly one token refresh is attempted before retrying once.
func (c *Client) Lookup(ctx context.Context, tag string) (*Warranty, error) {
	sent := strings.ToUpper(strings.TrimSpace(tag))
	if len(sent) < 4 {
		return nil, &LookupError{Code: CodeInvalidServiceTag, Message: "service tag too short"}
	}

	clean := servicetag.Clean(sent)
	if len(clean) < 4 {
		return nil, &LookupError{Code: CodeInvalidServiceTag, Message: "service tag too short after prefix strip: " + sent}
	}
	if servicetag.NonVendor(clean) {
		return nil, &LookupError{Code: CodeNotDellMachine, Message: "tag belongs to a server or appliance: " + sent}
	}

	assets, err := c.query(ctx, clean, c.singleTimeout)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, &LookupError{Code: CodeServiceTagNotFound, Message: "service tag not found: " + clean}
	}
	if assets[0].Invalid {
		return nil, &LookupError{Code: CodeInvalidServiceTag, Message: "vendor flagged tag invalid: " + clean}
	}
	return normalize(assets[0], sent, clean, c.now()), nil
}

// BatchResult is the outcome for one tag of a batch lookup.
type BatchResult struct {
	Warranty *Warranty
	Err      error
}

// BatchLookup resolves many tags, chunking at the vendor's 100-tag limit.
// Results are keyed by the caller's tags; tags the vendor did not return
// come back as SERVICE_TAG_NOT_FOUND.
func (c *Client) BatchLookup(ctx context.Context, tags []string) map[string]BatchResult {
	results := make(map[string]BatchResult, len(tags))

	// Several caller tags can clean to the same value (e.g. a prefixed
	// and an unprefixed spelling), so every cleaned tag fans back out to
	// all of its callers.
	cleanToSent := make(map[string][]string, len(tags))
	var cleaned []string
	for _, tag := range tags {
		sent := strings.ToUpper(strings.TrimSpace(tag))
		if sent == "" {
			continue
		}
		clean := servicetag.Clean(sent)
		if _, dup := cleanToSent[clean]; !dup {
			cleaned = append(cleaned, clean)
		}
		cleanToSent[clean] = append(cleanToSent[clean], sent)
	}

	for start := 0; start < len(cleaned); start += batchLimit {
		end := min(start+batchLimit, len(cleaned))
		chunk := cleaned[start:end]

		assets, err := c.query(ctx, strings.Join(chunk, ","), c.batchTimeout)
		if err != nil {
			for _, clean := range chunk {
				for _, sent := range cleanToSent[clean] {
					results[sent] = BatchResult{Err: err}
				}
			}
			continue
		}

		seen := make(map[string]bool, len(assets))
		for _, asset := range assets {
			returned := strings.ToUpper(asset.ServiceTag)
			callers, ok := cleanToSent[returned]
			if !ok {
				// The vendor normalized the tag beyond our prefix strip.
				callers = []string{returned}
			}
			seen[returned] = true
			for _, sent := range callers {
				if asset.Invalid {
					results[sent] = BatchResult{Err: &LookupError{Code: CodeInvalidServiceTag, Message: "vendor flagged tag invalid: " + returned}}
					continue
				}
				results[sent] = BatchResult{Warranty: normalize(asset, sent, returned, c.now())}
			}
		}
		for _, clean := range chunk {
			if !seen[clean] {
				for _, sent := range cleanToSent[clean] {
					results[sent] = BatchResult{Err: &LookupError{Code: CodeServiceTagNotFound, Message: "service tag not found: " + clean}}
				}
			}
		}
	}
	return results
}

// query issues one asset-entitlements GET, retrying once after a token
// refresh if the vendor answers 401.
func (c *Client) query(ctx context.Context, serviceTags string, timeout time.Duration) ([]asset, error) {
	assets, status, err := c.queryOnce(ctx, serviceTags, timeout, false)
	if err == nil && status == http.StatusUnauthorized {
		assets, status, err = c.queryOnce(ctx, serviceTags, timeout, true)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
		return assets, nil
	case status == http.StatusUnauthorized:
		return nil, &LookupError{Code: CodeAuthError, Message: "vendor rejected credentials after refresh"}
	case status == http.StatusNotFound:
		return nil, &LookupError{Code: CodeServiceTagNotFound, Message: "vendor returned 404"}
	default:
		return nil, &LookupError{Code: CodeAPIError, Message: fmt.Sprintf("DELL_API_ERROR_%d", status)}
	}
}

func (c *Client) queryOnce(ctx context.Context, serviceTags string, timeout time.Duration, forceToken bool) ([]asset, int, error) {
	token, err := c.ensureToken(ctx, forceToken)
	if err != nil {
		return nil, 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.baseURL + lookupPath + "?servicetags=" + url.QueryEscape(serviceTags)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, &LookupError{Code: CodeAPIError, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}

	var assets []asset
	if err := json.NewDecoder(resp.Body).Decode(&assets); err != nil {
		return nil, 0, &LookupError{Code: CodeAPIError, Message: fmt.Sprintf("decode vendor response: %v", err)}
	}
	return assets, http.StatusOK, nil
}

func classifyTransport(err error) *LookupError {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return &LookupError{Code: CodeTimeout, Message: "vendor request timed out"}
	}
	return &LookupError{Code: CodeAPIError, Message: err.Error()}
}
