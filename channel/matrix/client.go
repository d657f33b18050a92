// Package matrix implements core.Channel on the Matrix client-server API.
// Each persona identity sends with its own access token; a channel id is a
// room id. Watcher long-polls /sync and yields inbound room messages.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
)

// maxResponseBytes caps response bodies read from the homeserver.
const maxResponseBytes = 8 << 20

// Config holds configuration for creating a Client.
type Config struct {
	// HomeserverURL is the base URL of the homeserver (e.g., "https://matrix.example.org").
	HomeserverURL string
	// Tokens maps identity names to access tokens.
	Tokens map[string]string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger receives send diagnostics. If nil, logging is disabled.
	Logger logging.Logger
}

// Client sends room messages on behalf of several identities.
type Client struct {
	baseURL    string
	tokens     map[string]string
	httpClient *http.Client
	logger     logging.Logger
}

var _ core.Channel = (*Client)(nil)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("matrix: HomeserverURL is required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid HomeserverURL %q: %w", cfg.HomeserverURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	tokens := make(map[string]string, len(cfg.Tokens))
	for name, tok := range cfg.Tokens {
		tokens[name] = tok
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.HomeserverURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Send posts text to the room channelID as identity from. It uses the
// idempotent PUT send endpoint with a fresh transaction id.
func (c *Client) Send(ctx context.Context, from core.Identity, channelID string, text string) (core.MessageID, error) {
	token, ok := c.tokens[from.Name]
	if !ok || token == "" {
		return "", fmt.Errorf("%w %q", ErrNoToken, from.Name)
	}

	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(channelID),
		url.PathEscape(uuid.NewString()),
	)
	body, err := c.doRequest(ctx, http.MethodPut, path, token, NewTextMessage(text), nil)
	if err != nil {
		return "", fmt.Errorf("matrix: send to %q as %s failed: %w", channelID, from.Name, err)
	}

	var resp SendEventResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("matrix: failed to parse send response: %w", err)
	}
	c.logger.Debug("Matrix message sent", "room", channelID, "identity", from.Name, "event_id", resp.EventID)

	return core.MessageID(resp.EventID), nil
}

// Sync performs one /sync call for the identity's token. timeoutMS < 0
// omits the timeout parameter.
func (c *Client) Sync(ctx context.Context, identity, since string, timeoutMS int) (*SyncResponse, error) {
	token, ok := c.tokens[identity]
	if !ok || token == "" {
		return nil, fmt.Errorf("%w %q", ErrNoToken, identity)
	}

	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	if timeoutMS >= 0 {
		query.Set("timeout", strconv.Itoa(timeoutMS))
	}
	query.Set("filter", `{"room":{"timeline":{"types":["m.room.message"]}},"presence":{"types":[]},"account_data":{"types":[]}}`)

	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", token, nil, query)
	if err != nil {
		return nil, fmt.Errorf("matrix: sync failed: %w", err)
	}

	var resp SyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse sync response: %w", err)
	}
	return &resp, nil
}

// doRequest performs an HTTP request and returns the response body. On
// non-2xx it returns a *MatrixError.
func (c *Client) doRequest(ctx context.Context, method, path, token string, requestBody any, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("matrix: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("matrix: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("matrix: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil {
		return nil, fmt.Errorf("matrix: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode

	return nil, &matrixErr
}
