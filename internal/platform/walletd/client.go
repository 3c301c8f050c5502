// Package walletd is the REST client for the external signer service. The
// engine never touches private keys: it hands a fully-built transaction
// intent to walletd, which signs, submits, and reports the outcome.
package walletd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/atalantalabs/atalanta/internal/crypto"
	"github.com/atalantalabs/atalanta/internal/domain"
)

// Client is the REST client for a walletd endpoint.
type Client struct {
	baseURL    string
	apiToken   string
	wallet     string
	auth       *crypto.RequestAuth
	httpClient *http.Client
}

// NewClient creates a walletd client.
//
// baseURL is the service root, e.g. "http://127.0.0.1:8547". wallet names the
// signing lane walletd should use for this engine instance.
func NewClient(baseURL, apiToken, wallet string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		wallet:   wallet,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Wallet returns the signing lane this client submits through.
func (c *Client) Wallet() string { return c.wallet }

// WithRequestAuth enables per-request HMAC signing on top of the bearer
// token. walletd deployments that verify signatures reject unsigned requests.
func (c *Client) WithRequestAuth(auth *crypto.RequestAuth) *Client {
	c.auth = auth
	return c
}

type submitRequest struct {
	Wallet    string `json:"wallet"`
	To        string `json:"to"`
	ValueWei  string `json:"value_wei"`
	Data      string `json:"data"`
	GasLimit  uint64 `json:"gas_limit"`
	MinOutWei string `json:"min_out_wei,omitempty"`
	MaxGasWei string `json:"max_gas_wei,omitempty"`
	Deadline  int64  `json:"deadline_unix"`
	Reference string `json:"reference"`
}

type submitResponse struct {
	TxHash       string `json:"tx_hash"`
	Status       string `json:"status"`
	GasUsed      uint64 `json:"gas_used"`
	AmountOutWei string `json:"amount_out_wei,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// SignAndSubmit sends the intent to walletd and blocks until the service
// reports a terminal outcome or the context expires. The reference ties the
// submission to the execution record so a retried query after a timeout finds
// the same transaction.
func (c *Client) SignAndSubmit(ctx context.Context, intent domain.TxIntent, reference string) (domain.SubmitResult, error) {
	req := submitRequest{
		Wallet:    c.wallet,
		To:        intent.To.Hex(),
		ValueWei:  intent.ValueWei.String(),
		Data:      fmt.Sprintf("0x%x", intent.Data),
		GasLimit:  intent.GasLimit,
		Deadline:  intent.Deadline.Unix(),
		Reference: reference,
	}
	if intent.MinOutWei != nil {
		req.MinOutWei = intent.MinOutWei.String()
	}
	if intent.MaxGasWei != nil {
		req.MaxGasWei = intent.MaxGasWei.String()
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/transactions", req)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("walletd: submit %s: %w", reference, err)
	}
	return c.decodeResult(body, reference)
}

// QueryStatus asks walletd for the outcome of an earlier submission. Used by
// the reconciler to resolve executions whose submit call timed out. Returns
// domain.ErrNotFound when walletd never saw the reference, which proves the
// transaction was never signed.
func (c *Client) QueryStatus(ctx context.Context, reference string) (domain.SubmitResult, error) {
	path := "/v1/transactions/" + url.PathEscape(reference)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("walletd: query %s: %w", reference, err)
	}
	return c.decodeResult(body, reference)
}

func (c *Client) decodeResult(body []byte, reference string) (domain.SubmitResult, error) {
	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("walletd: decode response for %s: %w", reference, err)
	}

	res := domain.SubmitResult{
		TxHash:  resp.TxHash,
		GasUsed: resp.GasUsed,
		Reason:  resp.Reason,
	}
	if resp.AmountOutWei != "" {
		out, ok := new(big.Int).SetString(resp.AmountOutWei, 10)
		if !ok {
			return domain.SubmitResult{}, fmt.Errorf("walletd: bad amount_out_wei %q for %s", resp.AmountOutWei, reference)
		}
		res.AmountOutWei = out
	}
	switch resp.Status {
	case "settled":
		res.Status = domain.SubmitSettled
	case "rejected", "reverted":
		res.Status = domain.SubmitRejected
	case "pending", "timed_out":
		res.Status = domain.SubmitTimedOut
	default:
		return domain.SubmitResult{}, fmt.Errorf("walletd: unknown status %q for %s", resp.Status, reference)
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	var jsonBody []byte
	if reqBody != nil {
		var err error
		jsonBody, err = json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if c.auth != nil {
		for k, v := range c.auth.Headers(method, path, string(jsonBody)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Error)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, apiErr.Error)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: duplicate reference: %s", domain.ErrExecRejected, apiErr.Error)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrExecRejected, apiErr.Error)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, apiErr.Error)
	}
}

// Healthy pings walletd. Used at wire-up so a dead signer fails fast rather
// than on the first opportunity.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("walletd: health check: %w", err)
	}
	return nil
}
