// gateway/client.go
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"auto_guard_go/logs"
)

// Ensure APIClient implements the Gateway interface.
var _ Gateway = (*APIClient)(nil)

// APIClient talks to the venue's signed REST API.
type APIClient struct {
	ApiKey     string
	ApiSecret  string
	BaseURL    string
	Http       *http.Client
	timeOffset int64 // server time minus local time, milliseconds
	recvWindow int64
	rulesCache map[string]SymbolRules
	rulesMutex sync.RWMutex
	mu         sync.Mutex // serializes signed requests through this client
}

type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type venueTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// NewAPIClient creates a new venue API client.
func NewAPIClient(apiKey, apiSecret, baseURL string, timeoutSeconds, recvWindowSeconds int) *APIClient {
	return &APIClient{
		ApiKey:     apiKey,
		ApiSecret:  apiSecret,
		BaseURL:    baseURL,
		Http:       &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		recvWindow: int64(recvWindowSeconds * 1000),
		rulesCache: make(map[string]SymbolRules),
	}
}

// SyncTime synchronizes time with the venue and refreshes instrument rules.
func (c *APIClient) SyncTime() error {
	resp, err := c.Http.Get(c.BaseURL + "/api/v1/time")
	if err != nil {
		return NewUnreachable(fmt.Sprintf("unable to get venue server time: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read time response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return NewRejected(fmt.Sprintf("server time API error: HTTP %d, body: %s", resp.StatusCode, string(body)))
	}

	var timeResp venueTimeResponse
	if err := json.Unmarshal(body, &timeResp); err != nil {
		return fmt.Errorf("failed to parse server time JSON: %w, body: %s", err, string(body))
	}

	localTime := time.Now().UnixMilli()
	c.timeOffset = timeResp.ServerTime - localTime
	logs.Infof("[Gateway] Time synchronization completed, local vs server difference: %d ms", c.timeOffset)

	if err := c.fetchInstrumentRules(); err != nil {
		// Rules are needed for level clamping but price queries still work, so warn only.
		logs.Warnf("[Gateway] Failed to fetch and cache instrument rules: %v", err)
	}
	return nil
}

// sendRequest signs, sends and decodes one request, translating failures into
// the closed gateway error set.
func (c *APIClient) sendRequest(ctx context.Context, method, endpoint string, params url.Values, target interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	timestamp := time.Now().UnixMilli() + c.timeOffset
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))

	// All parameters travel in the query string so the signature covers
	// exactly what is sent.
	queryString := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.ApiSecret))
	_, _ = mac.Write([]byte(queryString))
	signature := hex.EncodeToString(mac.Sum(nil))

	fullURL := fmt.Sprintf("%s%s?%s&signature=%s", c.BaseURL, endpoint, queryString, signature)

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if method == http.MethodPost || method == http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-VENUE-APIKEY", c.ApiKey)

	resp, err := c.Http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeoutErr(err) {
			return NewTimeout(err.Error())
		}
		return NewUnreachable(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewTimeout(fmt.Sprintf("failed to read response body: %v", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return NewTimeout(fmt.Sprintf("venue busy: HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		var errResp venueError
		if json.Unmarshal(body, &errResp) == nil && errResp.Msg != "" {
			return NewRejected(fmt.Sprintf("%s (code: %d)", errResp.Msg, errResp.Code))
		}
		return NewRejected(fmt.Sprintf("HTTP %d, body: %s", resp.StatusCode, string(body)))
	}

	if target != nil {
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("failed to decode JSON: %w, body: %s", err, string(body))
		}
	}
	return nil
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	var te timeouter
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}

// Open submits a new position to the venue.
func (c *APIClient) Open(ctx context.Context, r OpenRequest) (*Fill, error) {
	params := url.Values{}
	params.Set("symbol", r.Symbol)
	params.Set("side", string(r.Side))
	params.Set("size", strconv.FormatFloat(r.Size, 'f', -1, 64))
	if r.Stop > 0 {
		params.Set("stop", strconv.FormatFloat(r.Stop, 'f', -1, 64))
	}
	if r.Target > 0 {
		params.Set("target", strconv.FormatFloat(r.Target, 'f', -1, 64))
	}
	params.Set("clientTag", r.ClientTag)
	params.Set("clientToken", r.Token)

	var fill Fill
	if err := c.sendRequest(ctx, http.MethodPost, "/api/v1/positions", params, &fill); err != nil {
		return nil, err
	}
	return &fill, nil
}

// Modify replaces protective levels of an existing position.
func (c *APIClient) Modify(ctx context.Context, r ModifyRequest) (*Ack, error) {
	params := url.Values{}
	params.Set("positionId", r.PositionID)
	if r.Stop > 0 {
		params.Set("stop", strconv.FormatFloat(r.Stop, 'f', -1, 64))
	}
	if r.Target > 0 {
		params.Set("target", strconv.FormatFloat(r.Target, 'f', -1, 64))
	}
	params.Set("clientToken", r.Token)

	var ack Ack
	if err := c.sendRequest(ctx, http.MethodPost, "/api/v1/positions/modify", params, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Close reduces or fully closes an existing position.
func (c *APIClient) Close(ctx context.Context, r CloseRequest) (*Ack, error) {
	params := url.Values{}
	params.Set("positionId", r.PositionID)
	params.Set("fraction", strconv.FormatFloat(r.Fraction, 'f', -1, 64))
	params.Set("clientToken", r.Token)

	var ack Ack
	if err := c.sendRequest(ctx, http.MethodPost, "/api/v1/positions/close", params, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Snapshot fetches all venue-side positions for this account.
func (c *APIClient) Snapshot(ctx context.Context) ([]VenuePosition, error) {
	params := url.Values{}
	var positions []VenuePosition
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v1/positions", params, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// Account fetches the account balance and equity.
func (c *APIClient) Account(ctx context.Context) (*AccountState, error) {
	params := url.Values{}
	var acct AccountState
	if err := c.sendRequest(ctx, http.MethodGet, "/api/v1/account", params, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// Rules safely retrieves instrument rules from the cache.
func (c *APIClient) Rules(symbol string) (SymbolRules, bool) {
	c.rulesMutex.RLock()
	defer c.rulesMutex.RUnlock()
	rules, ok := c.rulesCache[symbol]
	return rules, ok
}

// fetchInstrumentRules retrieves and caches per-symbol trading constraints.
func (c *APIClient) fetchInstrumentRules() error {
	resp, err := c.Http.Get(c.BaseURL + "/api/v1/instruments")
	if err != nil {
		return NewUnreachable(fmt.Sprintf("unable to get instrument rules: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read instrument rules response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return NewRejected(fmt.Sprintf("instrument rules API error: HTTP %d, body: %s", resp.StatusCode, string(body)))
	}

	var rules []SymbolRules
	if err := json.Unmarshal(body, &rules); err != nil {
		return fmt.Errorf("failed to parse instrument rules JSON: %w, body: %s", err, string(body))
	}

	c.rulesMutex.Lock()
	defer c.rulesMutex.Unlock()
	for _, r := range rules {
		c.rulesCache[r.Symbol] = r
	}
	logs.Infof("[Gateway] Instrument rules cache updated, cached %d symbols.", len(c.rulesCache))
	return nil
}
