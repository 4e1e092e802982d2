package safe

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

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrServiceUnavailable is returned when the transaction service cannot be reached or answers
// with a server error.
var ErrServiceUnavailable = errors.New("safe transaction service unavailable")

// Operation is the Safe call type.
type Operation uint8

const (
	Call         Operation = 0
	DelegateCall Operation = 1
)

// StagedTransaction is a transaction proposed to a Safe and waiting for co-signers.
type StagedTransaction struct {
	Safe                    common.Address `json:"safe,omitempty"`
	To                      common.Address `json:"to"`
	Value                   string         `json:"value"`
	Data                    hexutil.Bytes  `json:"data"`
	Operation               Operation      `json:"operation"`
	SafeTxGas               string         `json:"safeTxGas"`
	BaseGas                 string         `json:"baseGas"`
	GasPrice                string         `json:"gasPrice"`
	GasToken                common.Address `json:"gasToken"`
	RefundReceiver          common.Address `json:"refundReceiver"`
	Nonce                   uint64         `json:"nonce"`
	ContractTransactionHash common.Hash    `json:"contractTransactionHash"`
	Sender                  common.Address `json:"sender"`
	Signature               hexutil.Bytes  `json:"signature"`
	Origin                  string         `json:"origin,omitempty"`
}

// pendingTransaction is an entry of the service's multisig transaction list.
type pendingTransaction struct {
	To         common.Address `json:"to"`
	Data       *hexutil.Bytes `json:"data"`
	Nonce      json.Number    `json:"nonce"`
	SafeTxHash common.Hash    `json:"safeTxHash"`
	IsExecuted bool           `json:"isExecuted"`
}

type pendingPage struct {
	Count   int                  `json:"count"`
	Next    *string              `json:"next"`
	Results []pendingTransaction `json:"results"`
}

// TransactionService is the part of the Safe transaction service the Stager uses.
type TransactionService interface {
	// PendingTransactions lists unexecuted transactions of safe with a nonce of at least
	// minNonce.
	PendingTransactions(ctx context.Context, safe common.Address, minNonce uint64) ([]StagedTransaction, error)
	// Propose submits tx for co-signature.
	Propose(ctx context.Context, safe common.Address, tx StagedTransaction) error
}

var _ TransactionService = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetry sets how reads of the service are retried. Proposals are never retried.
func WithRetry(attempts uint, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.retryAttempts = attempts
		c.retryDelay = delay
	}
}

// Client talks to a Safe transaction service.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	retryAttempts uint
	retryDelay    time.Duration
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("safe service url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid safe service url: %w", err)
	}

	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryAttempts: 3,
		retryDelay:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Client) transactionsURL(safe common.Address) (string, error) {
	u, err := url.JoinPath(c.baseURL, "api", "v1", "safes", safe.Hex(), "multisig-transactions")
	if err != nil {
		return "", fmt.Errorf("failed to build request URL: %w", err)
	}

	return u + "/", nil
}

// PendingTransactions implements TransactionService. Every page of the listing is followed.
func (c *Client) PendingTransactions(ctx context.Context, safe common.Address, minNonce uint64) ([]StagedTransaction, error) {
	base, err := c.transactionsURL(safe)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("executed", "false")
	q.Set("nonce__gte", strconv.FormatUint(minNonce, 10))
	next := base + "?" + q.Encode()

	var out []StagedTransaction
	for next != "" {
		var page pendingPage
		if err := c.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}

		for _, p := range page.Results {
			if p.IsExecuted {
				continue
			}
			nonce, err := strconv.ParseUint(p.Nonce.String(), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid nonce %q in pending transaction %s: %w", p.Nonce, p.SafeTxHash.Hex(), err)
			}
			tx := StagedTransaction{
				Safe:                    safe,
				To:                      p.To,
				Nonce:                   nonce,
				ContractTransactionHash: p.SafeTxHash,
			}
			if p.Data != nil {
				tx.Data = *p.Data
			}
			out = append(out, tx)
		}

		next = ""
		if page.Next != nil {
			next = *page.Next
		}
	}

	return out, nil
}

func (c *Client) getJSON(ctx context.Context, reqURL string, v any) error {
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response body: %w", err)
			}

			if err := statusError(resp.StatusCode, body); err != nil {
				if errors.Is(err, ErrServiceUnavailable) {
					return err
				}

				return retry.Unrecoverable(err)
			}

			if err := json.Unmarshal(body, v); err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to parse safe service response: %w", err))
			}

			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

// Propose implements TransactionService.
func (c *Client) Propose(ctx context.Context, safe common.Address, tx StagedTransaction) error {
	reqURL, err := c.transactionsURL(safe)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode proposal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	return statusError(resp.StatusCode, body)
}

func statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrServiceUnavailable, status, string(body))
	default:
		return fmt.Errorf("safe service returned status %d: %s", status, string(body))
	}
}
