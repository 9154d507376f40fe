// Package webhooks delivers payout instructions to the wallet collaborator as
// signed HTTP requests.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType represents the logical webhook topic.
type EventType string

const (
	// EventRelease asks the wallet to pay an NGO.
	EventRelease EventType = "payout.release"
	// EventRefund asks the wallet to return a donation.
	EventRefund EventType = "payout.refund"

	defaultMaxAttempts = 3
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
	maxResponseBytes   = 1 << 16
)

// TransferPayload is the request body sent to the wallet.
type TransferPayload struct {
	Type      EventType `json:"type"`
	Reference string    `json:"reference"`
	Recipient string    `json:"recipient"`
	Amount    string    `json:"amount"`
	SentAt    time.Time `json:"sentAt"`
}

type transferReceipt struct {
	TxRef string `json:"txRef"`
}

// permanentError marks responses that retrying cannot fix.
type permanentError struct{ status int }

func (e permanentError) Error() string {
	return fmt.Sprintf("webhook: wallet rejected transfer with status %d", e.status)
}

// WalletClient posts transfer instructions to the wallet endpoint and retries
// transient failures with exponential backoff. The reference doubles as the
// Idempotency-Key so retried deliveries never pay twice.
type WalletClient struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
}

// Option mutates client configuration.
type Option func(*WalletClient)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(c *WalletClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(c *WalletClient) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			c.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
	}
}

// NewWalletClient validates the endpoint and secret.
func NewWalletClient(endpoint string, secret []byte, opts ...Option) (*WalletClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	c := &WalletClient{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Release implements payout.Wallet.
func (c *WalletClient) Release(ctx context.Context, to common.Address, amount *big.Int, reference string) (string, error) {
	return c.transfer(ctx, EventRelease, to, amount, reference)
}

// Refund implements payout.Wallet.
func (c *WalletClient) Refund(ctx context.Context, to common.Address, amount *big.Int, reference string) (string, error) {
	return c.transfer(ctx, EventRefund, to, amount, reference)
}

func (c *WalletClient) transfer(ctx context.Context, eventType EventType, to common.Address, amount *big.Int, reference string) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", errors.New("webhook: amount must be positive")
	}
	if strings.TrimSpace(reference) == "" {
		return "", errors.New("webhook: reference required")
	}
	body, err := json.Marshal(TransferPayload{
		Type:      eventType,
		Reference: reference,
		Recipient: to.Hex(),
		Amount:    amount.String(),
		SentAt:    c.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	backoff := c.minBackoff
	var lastErr error
	for attempt := 1; ; attempt++ {
		ref, err := c.send(ctx, eventType, reference, body)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		var permanent permanentError
		if errors.As(err, &permanent) || attempt >= c.maxAttempts {
			return "", lastErr
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

func (c *WalletClient) send(ctx context.Context, eventType EventType, reference string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", reference)
	req.Header.Set("X-Give-Event", string(eventType))
	req.Header.Set("X-Give-Signature", c.sign(body))
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
	default:
		return "", permanentError{status: resp.StatusCode}
	}
	var receipt transferReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return "", fmt.Errorf("webhook: decode receipt: %w", err)
	}
	if strings.TrimSpace(receipt.TxRef) == "" {
		return "", errors.New("webhook: receipt missing txRef")
	}
	return receipt.TxRef, nil
}

func (c *WalletClient) sign(body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	_, _ = mac.Write(body)
	sum := mac.Sum(nil)
	return "sha256=" + hex.EncodeToString(sum)
}

// VerifySignature checks a X-Give-Signature header against the body.
func VerifySignature(secret, body []byte, header string) bool {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
