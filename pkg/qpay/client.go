/**
 * @description
 * This package provides a client for the QPay v2 merchant API. It encapsulates
 * the bearer token lifecycle, request body construction, and response parsing
 * for invoice and payment operations.
 *
 * Each Client is bound to one credential profile (client id, secret, invoice
 * code, callback URL, base URL) and owns its own token cache. The application
 * constructs one Client per profile and never mixes them within an invoice
 * lifecycle.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 */
package qpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"
)

const requestTimeout = 30 * time.Second

// Config is one QPay credential profile. The two configured profiles
// ("test" and "course") differ in every field.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	InvoiceCode  string
	CallbackURL  string
}

// Client is a client for the QPay merchant API, bound to a single
// credential profile.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *tokenManager
}

// NewClient creates a new QPay API client for the given credential profile.
func NewClient(cfg Config) *Client {
	httpClient := &http.Client{Timeout: requestTimeout}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     newTokenManager(cfg.BaseURL, cfg.ClientID, cfg.ClientSecret, httpClient, time.Now),
	}
}

// InvoiceCode returns the merchant invoice code configured for this profile.
func (c *Client) InvoiceCode() string { return c.cfg.InvoiceCode }

// CallbackURL returns the callback URL configured for this profile.
func (c *Client) CallbackURL() string { return c.cfg.CallbackURL }

// InvoiceLine is one billable line item on an invoice.
type InvoiceLine struct {
	LineDescription string `json:"line_description"`
	LineQuantity    int64  `json:"line_quantity"`
	LineUnitPrice   int64  `json:"line_unit_price"`
	Amount          int64  `json:"amount"`
}

// InvoiceRequest is the payload for POST {baseUrl}/invoice.
type InvoiceRequest struct {
	InvoiceCode         string        `json:"invoice_code"`
	SenderInvoiceNo     string        `json:"sender_invoice_no"`
	InvoiceReceiverCode string        `json:"invoice_receiver_code"`
	InvoiceDescription  string        `json:"invoice_description"`
	Amount              int64         `json:"amount"`
	CallbackURL         string        `json:"callback_url"`
	Lines               []InvoiceLine `json:"lines,omitempty"`
}

// InvoiceResponse is the gateway's reply to invoice creation.
type InvoiceResponse struct {
	InvoiceID string `json:"invoice_id"`
	QRImage   string `json:"qr_image"`
	QRText    string `json:"qr_text"`
	URLs      struct {
		Web      string `json:"web"`
		Deeplink string `json:"deeplink"`
	} `json:"urls"`
}

// Payment is one gateway-recorded settlement row.
type Payment struct {
	PaymentID          string `json:"payment_id"`
	PaymentDate        string `json:"payment_date"`
	PaymentStatus      string `json:"payment_status"`
	PaymentFee         int64  `json:"payment_fee"`
	PaymentAmount      int64  `json:"payment_amount"`
	PaymentCurrency    string `json:"payment_currency"`
	PaymentWallet      string `json:"payment_wallet"`
	PaymentName        string `json:"payment_name"`
	PaymentDescription string `json:"payment_description"`
	PaidBy             string `json:"paid_by"`
	ObjectType         string `json:"object_type"`
	ObjectID           string `json:"object_id"`
}

// PaymentListResponse is the gateway's reply to POST {baseUrl}/payment/list.
type PaymentListResponse struct {
	Count int64     `json:"count"`
	Rows  []Payment `json:"rows"`
}

// PaymentListRequest is the payload for POST {baseUrl}/payment/list.
type PaymentListRequest struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	Offset     struct {
		PageNumber int64 `json:"page_number"`
		PageLimit  int64 `json:"page_limit"`
	} `json:"offset"`
}

// RefundRequest is the payload for POST {baseUrl}/payment/refund/{paymentId}.
type RefundRequest struct {
	CallbackURL string `json:"callback_url,omitempty"`
	Note        string `json:"note,omitempty"`
}

// CreateInvoice creates a new invoice on the gateway. The profile's invoice
// code and callback URL are attached; the caller supplies everything else.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResponse, error) {
	req.InvoiceCode = c.cfg.InvoiceCode
	req.CallbackURL = c.cfg.CallbackURL

	var resp InvoiceResponse
	if err := c.do(ctx, http.MethodPost, "/invoice", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetInvoice fetches a previously created invoice by gateway id.
func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (*InvoiceResponse, error) {
	var resp InvoiceResponse
	if err := c.do(ctx, http.MethodGet, "/invoice/"+invoiceID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelInvoice voids an unpaid invoice on the gateway.
func (c *Client) CancelInvoice(ctx context.Context, invoiceID string) error {
	return c.do(ctx, http.MethodDelete, "/invoice/"+invoiceID, nil, nil)
}

// CheckPayment returns all payments recorded against one invoice. There is no
// dedicated check primitive in the protocol for this profile, so the general
// list query is reused with a single-invoice filter. Multiple rows per
// invoice are expected (e.g. a failed attempt followed by a successful
// retry); rows are returned sorted by payment_date descending so the caller
// can reduce them to one logical status starting from the newest.
func (c *Client) CheckPayment(ctx context.Context, invoiceID string) (*PaymentListResponse, error) {
	req := PaymentListRequest{ObjectType: "INVOICE", ObjectID: invoiceID}
	req.Offset.PageNumber = 1
	req.Offset.PageLimit = 100

	resp, err := c.ListPayments(ctx, req)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(resp.Rows, func(i, j int) bool {
		return resp.Rows[i].PaymentDate > resp.Rows[j].PaymentDate
	})
	return resp, nil
}

// ListPayments runs a raw payment list query against the gateway.
func (c *Client) ListPayments(ctx context.Context, req PaymentListRequest) (*PaymentListResponse, error) {
	var resp PaymentListResponse
	if err := c.do(ctx, http.MethodPost, "/payment/list", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefundPayment refunds a settled payment on the gateway.
func (c *Client) RefundPayment(ctx context.Context, paymentID string, req RefundRequest) error {
	return c.do(ctx, http.MethodPost, "/payment/refund/"+paymentID, req, nil)
}

// do executes one authenticated gateway call. A 401 invalidates the cached
// token and the call is repeated once with a fresh one; any further 401 is
// surfaced as AuthError.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	status, body, err := c.doOnce(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.tokens.invalidate()
		status, body, err = c.doOnce(ctx, method, path, payload)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return &AuthError{Status: status, Body: string(body)}
		}
	}
	if status < 200 || status >= 300 {
		log.Printf("level=warn component=qpay_client op=%s path=%s status=%d msg=\"non-2xx response\"", method, path, status)
		return &RequestError{Status: status, Body: string(body)}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	token, err := c.tokens.getToken(ctx)
	if err != nil {
		return 0, nil, err
	}

	var bodyReader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request for %s %s: %w", method, path, err)
		}
		bodyReader = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request for %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, nil, &TimeoutError{Op: method + " " + path, Err: err}
		}
		return 0, nil, fmt.Errorf("failed to execute %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response for %s %s: %w", method, path, err)
	}
	return resp.StatusCode, respBody, nil
}
