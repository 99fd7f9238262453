// Package market is the REST client for the marketplace backend: order
// lists, a user's own orders, wallet lookup and chat-channel metadata.
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/socialmarket/internal/crypto"
	"github.com/alanyoungcy/socialmarket/internal/domain"
)

// maxErrorBody bounds how much of an error response is kept in the error.
const maxErrorBody = 512

// Options configures a Client.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	BearerToken       string
	APIKey            string
	APISecret         string
}

// Client is the marketplace REST client. It implements domain.OrderFetcher,
// domain.UserOrderWriter, domain.WalletLookup and domain.ChannelService.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	token      string
	hmacAuth   *crypto.HMACAuth
	logger     *slog.Logger
}

// NewClient creates a Client.
//
// baseURL is the API root, e.g. "https://api.example.com/v1".
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter: rate.NewLimiter(limit, opts.Burst),
		token:   opts.BearerToken,
		logger:  logger.With(slog.String("component", "market_client")),
	}
	if opts.APIKey != "" && opts.APISecret != "" {
		c.hmacAuth = &crypto.HMACAuth{Key: opts.APIKey, Secret: opts.APISecret}
	}
	return c
}

// --------------------------------------------------------------------------
// Orders
// --------------------------------------------------------------------------

// SellOrders returns the raw payload of all sell orders.
func (c *Client) SellOrders(ctx context.Context) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, "/orders/sell", nil)
}

// BuyOrders returns the raw payload of all buy orders.
func (c *Client) BuyOrders(ctx context.Context) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, "/orders/buy", nil)
}

// UserOrders returns the raw payload of a user's own orders on one side.
func (c *Client) UserOrders(ctx context.Context, userID string, side domain.OrderSide) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, userOrdersPath(userID, side), nil)
}

// CreateUserOrder creates an order for userID and returns its id.
func (c *Client) CreateUserOrder(ctx context.Context, userID string, order domain.UserOrder) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, userOrdersPath(userID, order.Side), order)
	if err != nil {
		return "", fmt.Errorf("market: create order: %w", err)
	}
	id, ok := createdID(body)
	if !ok {
		return "", fmt.Errorf("market: create order: no id in response: %w", domain.ErrShapeMismatch)
	}
	return id, nil
}

// UpdateUserOrder replaces one of userID's orders.
func (c *Client) UpdateUserOrder(ctx context.Context, userID string, order domain.UserOrder) error {
	if order.ID == "" {
		return fmt.Errorf("market: update order: missing id: %w", domain.ErrValidation)
	}
	path := userOrdersPath(userID, order.Side) + "/" + url.PathEscape(order.ID)
	if _, err := c.doRequest(ctx, http.MethodPut, path, order); err != nil {
		return fmt.Errorf("market: update order %s: %w", order.ID, err)
	}
	return nil
}

// DeleteUserOrder deletes one of userID's orders.
func (c *Client) DeleteUserOrder(ctx context.Context, userID string, side domain.OrderSide, orderID string) error {
	path := userOrdersPath(userID, side) + "/" + url.PathEscape(orderID)
	if _, err := c.doRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("market: delete order %s: %w", orderID, err)
	}
	return nil
}

func userOrdersPath(userID string, side domain.OrderSide) string {
	return "/users/" + url.PathEscape(userID) + "/orders/" + url.PathEscape(string(side))
}

// --------------------------------------------------------------------------
// Wallets
// --------------------------------------------------------------------------

// UserWallets reads the user record via the primary route.
func (c *Client) UserWallets(ctx context.Context, userID string) (domain.UserWallets, error) {
	return c.wallets(ctx, "/users/"+url.PathEscape(userID), userID)
}

// UserWalletsFallback reads the wallet record via the secondary route.
func (c *Client) UserWalletsFallback(ctx context.Context, userID string) (domain.UserWallets, error) {
	return c.wallets(ctx, "/wallets/"+url.PathEscape(userID), userID)
}

func (c *Client) wallets(ctx context.Context, path, userID string) (domain.UserWallets, error) {
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.UserWallets{}, fmt.Errorf("market: wallets %s: %w", userID, err)
	}
	var rec struct {
		WalletAddresses map[string]string `json:"walletAddresses"`
		Wallets         map[string]string `json:"wallets"`
	}
	if err := json.Unmarshal(unwrap(body, "user"), &rec); err != nil {
		return domain.UserWallets{}, fmt.Errorf("market: decode wallets %s: %v: %w", userID, err, domain.ErrShapeMismatch)
	}
	addresses := rec.WalletAddresses
	if addresses == nil {
		addresses = rec.Wallets
	}
	if addresses == nil {
		addresses = map[string]string{}
	}
	return domain.UserWallets{UserID: userID, WalletAddresses: addresses}, nil
}

// --------------------------------------------------------------------------
// Channels
// --------------------------------------------------------------------------

// CreateChannelMetadata creates channel metadata. An existing record yields
// an error wrapping domain.ErrAlreadyExists.
func (c *Client) CreateChannelMetadata(ctx context.Context, channelID string, meta domain.ChannelMetadata) (domain.ChannelMetadata, error) {
	return c.channelMetadata(ctx, http.MethodPost, channelID, &meta)
}

// UpdateChannelMetadata replaces channel metadata.
func (c *Client) UpdateChannelMetadata(ctx context.Context, channelID string, meta domain.ChannelMetadata) (domain.ChannelMetadata, error) {
	return c.channelMetadata(ctx, http.MethodPut, channelID, &meta)
}

// GetChannelMetadata reads channel metadata.
func (c *Client) GetChannelMetadata(ctx context.Context, channelID string) (domain.ChannelMetadata, error) {
	return c.channelMetadata(ctx, http.MethodGet, channelID, nil)
}

// GetChannelLifecycle reads the lifecycle stage of a channel.
func (c *Client) GetChannelLifecycle(ctx context.Context, channelID string) (domain.ChannelLifecycle, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID)+"/lifecycle", nil)
	if err != nil {
		return domain.ChannelLifecycle{}, fmt.Errorf("market: channel lifecycle %s: %w", channelID, err)
	}
	var lc domain.ChannelLifecycle
	if err := json.Unmarshal(unwrap(body), &lc); err != nil {
		return domain.ChannelLifecycle{}, fmt.Errorf("market: decode lifecycle %s: %v: %w", channelID, err, domain.ErrShapeMismatch)
	}
	return lc, nil
}

func (c *Client) channelMetadata(ctx context.Context, method, channelID string, meta *domain.ChannelMetadata) (domain.ChannelMetadata, error) {
	path := "/channels/" + url.PathEscape(channelID) + "/metadata"
	var reqBody any
	if meta != nil {
		reqBody = meta
	}
	body, err := c.doRequest(ctx, method, path, reqBody)
	if err != nil {
		return domain.ChannelMetadata{}, fmt.Errorf("market: %s channel metadata %s: %w", strings.ToLower(method), channelID, err)
	}
	if len(bytes.TrimSpace(body)) == 0 && meta != nil {
		return *meta, nil
	}
	var out domain.ChannelMetadata
	if err := json.Unmarshal(unwrap(body, "metadata"), &out); err != nil {
		return domain.ChannelMetadata{}, fmt.Errorf("market: decode channel metadata %s: %v: %w", channelID, err, domain.ErrShapeMismatch)
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doRequest waits on the rate limiter, sends one request and returns the
// response body. Non-2xx responses map to domain errors via checkHTTPStatus;
// transport failures wrap domain.ErrNetwork.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.hmacAuth != nil {
		for k, v := range c.hmacAuth.Headers(method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w: %w", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %w", domain.ErrNetwork, err)
	}

	c.logger.DebugContext(ctx, "market_client: request done",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)),
	)

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	if len(bodyStr) > maxErrorBody {
		bodyStr = bodyStr[:maxErrorBody]
	}
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, bodyStr)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrNetwork, statusCode, bodyStr)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrClient, statusCode, bodyStr)
	}
}

// unwrap returns the object under "data" (or one of the extra keys) when the
// body is such an envelope, else the body itself.
func unwrap(body []byte, keys ...string) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	for _, k := range append([]string{"data"}, keys...) {
		if raw, ok := env[k]; ok {
			if t := bytes.TrimSpace(raw); len(t) > 0 && t[0] == '{' {
				return t
			}
		}
	}
	return body
}

// createdID finds the new order id in a create response: {"id"}, {"_id"},
// or the same under "data" or "order".
func createdID(body []byte) (string, bool) {
	var rec struct {
		ID      json.RawMessage `json:"id"`
		MongoID json.RawMessage `json:"_id"`
	}
	if err := json.Unmarshal(unwrap(body, "order"), &rec); err != nil {
		return "", false
	}
	if id, ok := domain.CanonicalID(rec.MongoID); ok {
		return id, true
	}
	return domain.CanonicalID(rec.ID)
}

// Compile-time interface checks.
var (
	_ domain.OrderFetcher    = (*Client)(nil)
	_ domain.UserOrderWriter = (*Client)(nil)
	_ domain.WalletLookup    = (*Client)(nil)
	_ domain.ChannelService  = (*Client)(nil)
)
