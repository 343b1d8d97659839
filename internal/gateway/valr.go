package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/netzer/settleops/internal/domain"
)

const (
	defaultVALRBaseURL = "https://api.valr.com"
	pairUSDTZAR        = "USDTZAR"

	marketOrderPath    = "/v1/orders/market"
	usdtWithdrawPath   = "/v1/wallet/crypto/USDT/withdraw"
	depositHistoryPath = "/v1/account/deposit-history"
)

// Sign produces the request signature VALR expects: HMAC-SHA512 over
// timestamp + method + path + body, keyed with the API secret.
func Sign(secret, timestamp, method, path, body string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(timestamp + strings.ToUpper(method) + path + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// VALRClient places market conversion orders and initiates USDT withdrawals
// to the whitelisted destination address. The action key is passed through
// as the customer order id, so VALR dedupes redeliveries.
type VALRClient struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	withdrawalAddress string
	httpClient        *http.Client
}

func NewVALRClient(apiKey, apiSecret, withdrawalAddress string) *VALRClient {
	return &VALRClient{
		apiKey:            apiKey,
		apiSecret:         apiSecret,
		baseURL:           defaultVALRBaseURL,
		withdrawalAddress: withdrawalAddress,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
	}
}

// WithBaseURL overrides the API host, used by tests.
func (c *VALRClient) WithBaseURL(u string) *VALRClient {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

func (c *VALRClient) Initiate(ctx context.Context, action domain.OutboundAction) (ActionRef, error) {
	switch action.Kind {
	case domain.ActionPlaceConversionOrder:
		return c.placeMarketBuy(ctx, action)
	case domain.ActionInitiateWithdrawal:
		return c.initiateWithdrawal(ctx, action)
	default:
		return ActionRef{}, fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

type marketOrderRequest struct {
	Pair            string `json:"pair"`
	Side            string `json:"side"`
	QuoteAmount     string `json:"quoteAmount"`
	TimeInForce     string `json:"timeInForce"`
	CustomerOrderID string `json:"customerOrderId"`
}

func (c *VALRClient) placeMarketBuy(ctx context.Context, action domain.OutboundAction) (ActionRef, error) {
	body, err := json.Marshal(marketOrderRequest{
		Pair:            pairUSDTZAR,
		Side:            "BUY",
		QuoteAmount:     action.Params.QuoteAmountZAR.String(),
		TimeInForce:     "IOC",
		CustomerOrderID: action.Key,
	})
	if err != nil {
		return ActionRef{}, err
	}
	resp, err := c.post(ctx, marketOrderPath, body)
	if err != nil {
		return ActionRef{}, err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return ActionRef{}, fmt.Errorf("valr: order response: %w", err)
	}
	return ActionRef{Provider: "valr", ID: out.ID}, nil
}

type withdrawRequest struct {
	Amount           string `json:"amount"`
	Address          string `json:"address"`
	PaymentReference string `json:"paymentReference"`
}

func (c *VALRClient) initiateWithdrawal(ctx context.Context, action domain.OutboundAction) (ActionRef, error) {
	body, err := json.Marshal(withdrawRequest{
		Amount:           action.Params.AmountUSDT.String(),
		Address:          c.withdrawalAddress,
		PaymentReference: action.Key,
	})
	if err != nil {
		return ActionRef{}, err
	}
	resp, err := c.post(ctx, usdtWithdrawPath, body)
	if err != nil {
		return ActionRef{}, err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return ActionRef{}, fmt.Errorf("valr: withdrawal response: %w", err)
	}
	return ActionRef{Provider: "valr", ID: out.ID}, nil
}

// DepositRecord is one entry of the VALR ZAR deposit history, fetched
// read-only for operator triage of unmatched events.
type DepositRecord struct {
	Currency    string `json:"currencyCode"`
	Amount      string `json:"amount"`
	Reference   string `json:"transactionReference"`
	CreditedAt  string `json:"createdAt"`
	Description string `json:"description"`
}

func (c *VALRClient) DepositHistory(ctx context.Context) ([]DepositRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, depositHistoryPath, nil)
	if err != nil {
		return nil, err
	}
	var out []DepositRecord
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("valr: deposit history: %w", err)
	}
	return out, nil
}

func (c *VALRClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *VALRClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-VALR-API-KEY", c.apiKey)
	req.Header.Set("X-VALR-SIGNATURE", Sign(c.apiSecret, ts, method, path, string(body)))
	req.Header.Set("X-VALR-TIMESTAMP", ts)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("valr: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("valr: %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("valr: %s %s returned %d: %s", method, path, resp.StatusCode, truncate(data, 256))
	}
	return data, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
