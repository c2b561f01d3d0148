package api

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

	"go-celestia-addons/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited   = errors.New("API rate limit exceeded")
	ErrUnauthorized  = errors.New("API request unauthorized")
	ErrNotFound      = errors.New("API resource not found")
	ErrServerError   = errors.New("API server error")
	ErrRequestFailed = errors.New("API request failed")
)

const CelestiaApiBaseUrl = "https://celestia.mobi/api"

// envelope is the wrapper some celestia.mobi endpoints put around their payload.
// A zero status means success and detail holds the JSON encoded result.
type envelope struct {
	Status *int `json:"status"`
	Info   *struct {
		Detail *string `json:"detail"`
		Reason *string `json:"reason"`
	} `json:"info"`
}

// Client talks to the celestia.mobi add-on API.
type Client struct {
	BaseURL    string
	HttpClient *http.Client
}

// NewClient creates a new API client. An empty baseURL uses CelestiaApiBaseUrl.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if baseURL == "" {
		baseURL = CelestiaApiBaseUrl
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HttpClient: httpClient,
	}
}

// GetMetadata fetches the description of a single add-on.
func (c *Client) GetMetadata(ctx context.Context, id, lang string) (models.ResourceItem, error) {
	var item models.ResourceItem
	values := url.Values{}
	values.Set("lang", lang)
	values.Set("item", id)
	err := c.do(ctx, http.MethodGet, "resource/item", values, nil, &item)
	return item, err
}

// GetLatestMetadata fetches the latest news guide.
func (c *Client) GetLatestMetadata(ctx context.Context, lang string) (models.GuideItem, error) {
	var guide models.GuideItem
	values := url.Values{}
	values.Set("lang", lang)
	values.Set("type", "news")
	err := c.do(ctx, http.MethodGet, "resource/latest", values, nil, &guide)
	return guide, err
}

type updateRequest struct {
	Lang               string   `json:"lang"`
	Items              []string `json:"items"`
	TransactionIdApple string   `json:"transactionIdApple"`
	IsSandboxApple     bool     `json:"isSandboxApple"`
}

// GetUpdates asks for the current checksum of each add-on in ids.
func (c *Client) GetUpdates(ctx context.Context, ids []string, lang string, originalTransactionID uint64, sandbox bool) (map[string]models.AddonUpdate, error) {
	if ids == nil {
		ids = []string{}
	}
	body := updateRequest{
		Lang:               lang,
		Items:              ids,
		TransactionIdApple: strconv.FormatUint(originalTransactionID, 10),
		IsSandboxApple:     sandbox,
	}
	updates := make(map[string]models.AddonUpdate)
	if err := c.do(ctx, http.MethodPost, "resource/updates", nil, body, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// GetSubscriptionValidity reports whether the subscription behind the
// transaction id is still active.
func (c *Client) GetSubscriptionValidity(ctx context.Context, originalTransactionID uint64, sandbox bool) (bool, error) {
	var result struct {
		Valid bool `json:"valid"`
	}
	values := url.Values{}
	values.Set("originalTransactionId", strconv.FormatUint(originalTransactionID, 10))
	if sandbox {
		values.Set("sandbox", "1")
	} else {
		values.Set("sandbox", "0")
	}
	err := c.do(ctx, http.MethodGet, "subscription/apple", values, nil, &result)
	return result.Valid, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	reqURL := c.BaseURL + "/" + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("error encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		log.WithError(err).Errorf("Error creating request for %s", reqURL)
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Debugf("Requesting %s %s", method, reqURL)
	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.WithError(err).Error("Error reading response body")
		return fmt.Errorf("error reading response body: %w", err)
	}

	if err := statusError(resp.StatusCode); err != nil {
		log.WithError(err).Debugf("Response body: %s", string(data))
		return err
	}

	if err := decodeResult(data, out); err != nil {
		log.WithError(err).Errorf("Error decoding response from %s", reqURL)
		log.Debugf("Response body causing decode error: %s", string(data))
		return err
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 500:
		return fmt.Errorf("%w (status code %d)", ErrServerError, code)
	}
	return fmt.Errorf("%w with status %d", ErrRequestFailed, code)
}

// decodeResult unwraps the status envelope when present and decodes the
// payload into out. Bodies without an envelope are decoded directly.
func decodeResult(data []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Status != nil && env.Info != nil {
		if *env.Status != 0 {
			reason := "unknown error"
			if env.Info.Reason != nil && *env.Info.Reason != "" {
				reason = *env.Info.Reason
			}
			return fmt.Errorf("%w: %s", ErrRequestFailed, reason)
		}
		if env.Info.Detail == nil {
			return fmt.Errorf("%w: empty result", ErrRequestFailed)
		}
		data = []byte(*env.Info.Detail)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error unmarshalling response JSON: %w", err)
	}
	return nil
}
