/**
 * @description
 * This file contains the core business logic for the payment-service. The
 * `Service` struct orchestrates invoice creation, payment status checking,
 * refunds, and invoice cancellation, coordinating between the database
 * repository, the per-profile QPay gateway clients, and the message broker.
 *
 * Key behaviors:
 * - Free items (amount exactly zero) never reach the network.
 * - Malformed amounts are substituted with a configured fallback default
 *   instead of being rejected; this leniency is deliberate.
 * - Gateway failures on the invoice-creation path degrade to a synthetic
 *   test-mode invoice so the UI payment flow stays exercisable; the result
 *   carries TestMode = true and no real payment can occur.
 * - Gateway failures on the status-check path degrade to "not paid yet";
 *   polling callers retry later.
 * - Refunds and callback ingestion never swallow errors.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For purchase identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/qpay, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/setgelsudlal/payment-service/internal/domain"
	"github.com/setgelsudlal/payment-service/internal/store"
	"github.com/setgelsudlal/payment-service/pkg/qpay"
	"github.com/setgelsudlal/payment-service/pkg/rabbitmq"
)

var (
	ErrReceiverCodeRequired = errors.New("receiver code is required")
	ErrUnknownItemType      = errors.New("unknown item type")
	ErrMalformedCallback    = errors.New("malformed callback payload")
	// ErrInvalidPaymentState signals a refund attempted on a payment that is
	// not currently PAID.
	ErrInvalidPaymentState = errors.New("payment state does not permit this operation")
)

// Window after which a test-mode invoice starts reporting a simulated PAID
// payment, so the waiting-on-QR screen can be exercised end to end.
const testModeSettlementDelay = 30 * time.Second

// testModeQRImage is the placeholder QR shown for synthetic invoices: a
// data-URI SVG reading "TEST QRCode". No wallet can pay it.
const testModeQRImage = "data:image/svg+xml;base64,PHN2ZyB3aWR0aD0iMjAwIiBoZWlnaHQ9IjIwMCIgeG1sbnM9Imh0dHA6Ly93d3cudzMub3JnLzIwMDAvc3ZnIj48cmVjdCB3aWR0aD0iMTAwJSIgaGVpZ2h0PSIxMDAlIiBmaWxsPSIjZmZmIi8+PHRleHQgeD0iNTAlIiB5PSI1MCUiIGZvbnQtZmFtaWx5PSJBcmlhbCIgZm9udC1zaXplPSIxNCIgZmlsbD0iIzAwMCIgdGV4dC1hbmNob3I9Im1pZGRsZSIgZHk9Ii4zZW0iPlRFU1QgUVJDb2RlPC90ZXh0Pjwvc3ZnPg=="

const testModePayBaseURL = "https://test.qpay.mn/pay/"

// GatewayClient is the part of the QPay client surface the service uses.
// *qpay.Client satisfies it; tests substitute stubs.
type GatewayClient interface {
	CreateInvoice(ctx context.Context, req qpay.InvoiceRequest) (*qpay.InvoiceResponse, error)
	CheckPayment(ctx context.Context, invoiceID string) (*qpay.PaymentListResponse, error)
	CancelInvoice(ctx context.Context, invoiceID string) error
	RefundPayment(ctx context.Context, paymentID string, req qpay.RefundRequest) error
	ListPayments(ctx context.Context, req qpay.PaymentListRequest) (*qpay.PaymentListResponse, error)
	CallbackURL() string
}

// CreateInvoiceInput is the orchestrator's request. Amount is kept raw so
// that an explicit JSON zero (free item) can be told apart from a missing or
// malformed value (fallback default).
type CreateInvoiceInput struct {
	Amount       json.RawMessage
	Description  string
	ReceiverCode string
	ItemType     domain.ItemType
}

// Service provides the core business logic for payments.
type Service struct {
	repo           store.Repository
	gateways       map[domain.ItemType]GatewayClient
	courseFallback bool
	eventProducer  rabbitmq.Publisher
	fallbackAmount int64

	rateLimiter        *RedisPollRateLimiter
	pollLimitPerMinute int

	now func() time.Time
}

// NewService creates a new payment service instance. courseFallback records
// that the course gateway client was constructed from the test profile's
// credentials because the course profile is unconfigured; invoices created
// through it are still tagged serviceType course but logged for audit.
func NewService(repo store.Repository, testGateway, courseGateway GatewayClient, courseFallback bool, producer rabbitmq.Publisher, fallbackAmount int64) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if fallbackAmount <= 0 {
		fallbackAmount = 1000
	}
	return &Service{
		repo: repo,
		gateways: map[domain.ItemType]GatewayClient{
			domain.ItemTypeTest:   testGateway,
			domain.ItemTypeCourse: courseGateway,
		},
		courseFallback: courseFallback,
		eventProducer:  producer,
		fallbackAmount: fallbackAmount,
		now:            time.Now,
	}
}

// SetPollRateLimiter wires the optional Redis-backed limiter applied to the
// public payment-check endpoint.
func (s *Service) SetPollRateLimiter(limiter *RedisPollRateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.pollLimitPerMinute = perMinute
}

// ConsumePollRateLimit accounts one payment-check poll for a subject.
// Returns allowed = true when limiting is disabled or the budget remains.
func (s *Service) ConsumePollRateLimit(ctx context.Context, subject string) (allowed bool, retryAfterSeconds int) {
	if s.rateLimiter == nil || s.pollLimitPerMinute <= 0 {
		return true, 0
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "payment_check", subject, s.pollLimitPerMinute, time.Minute)
	if err != nil {
		// Redis being down must not take the polling path with it.
		log.Printf("level=warn component=app op=poll_rate_limit msg=\"limiter unavailable; allowing request\" err=%v", err)
		return true, 0
	}
	if count > s.pollLimitPerMinute {
		return false, retryAfter
	}
	return true, 0
}

// selectGateway picks the gateway client for an item type. Exactly one
// profile serves each invoice lifecycle.
func (s *Service) selectGateway(itemType domain.ItemType) (GatewayClient, error) {
	gw, ok := s.gateways[itemType]
	if !ok || gw == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownItemType, itemType)
	}
	return gw, nil
}

// CreateInvoice runs the public invoice-creation flow: free-item short
// circuit, amount normalization, profile selection, gateway call, and the
// synthetic test-mode fallback when the live call fails.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*domain.CreateInvoiceResult, error) {
	amount, isFree := s.normalizeAmount(input.Amount)
	if isFree {
		// Free item: no gateway call, no purchase record, nothing to pay.
		log.Printf("level=info component=app op=create_invoice outcome=free item_type=%s", input.ItemType)
		return &domain.CreateInvoiceResult{
			IsFree:      true,
			Amount:      0,
			Description: input.Description,
			ServiceType: input.ItemType,
		}, nil
	}

	if input.ReceiverCode == "" {
		return nil, ErrReceiverCodeRequired
	}

	gateway, err := s.selectGateway(input.ItemType)
	if err != nil {
		return nil, err
	}
	if input.ItemType == domain.ItemTypeCourse && s.courseFallback {
		// Course invoices created with test credentials end up attributed to
		// the test merchant account. Loud on purpose.
		log.Printf("level=warn component=app op=create_invoice credential_fallback=true msg=\"course invoice using test profile credentials\" receiver_code=%s amount=%d", input.ReceiverCode, amount)
	}

	now := s.now()
	senderInvoiceNo := domain.SenderInvoiceNo(input.ItemType, now)
	req := qpay.InvoiceRequest{
		SenderInvoiceNo:     senderInvoiceNo,
		InvoiceReceiverCode: input.ReceiverCode,
		InvoiceDescription:  input.Description,
		Amount:              amount,
		Lines: []qpay.InvoiceLine{{
			LineDescription: input.Description,
			LineQuantity:    1,
			LineUnitPrice:   amount,
			Amount:          amount,
		}},
	}

	invoice, err := gateway.CreateInvoice(ctx, req)
	if err != nil {
		return s.createTestModeInvoice(ctx, input, amount, senderInvoiceNo, err)
	}

	purchase := &domain.Purchase{
		ID:              uuid.New(),
		ReceiverCode:    input.ReceiverCode,
		ItemType:        input.ItemType,
		InvoiceID:       invoice.InvoiceID,
		SenderInvoiceNo: senderInvoiceNo,
		Amount:          amount,
		Description:     input.Description,
	}
	if err := s.repo.CreatePurchase(ctx, purchase); err != nil {
		// Without the purchase row a later callback cannot be resolved to an
		// item, so this is a hard failure even though the gateway succeeded.
		log.Printf("level=error component=app op=create_invoice outcome=failed reason=purchase_persist invoice_id=%s err=%v", invoice.InvoiceID, err)
		return nil, fmt.Errorf("failed to persist purchase for invoice %s: %w", invoice.InvoiceID, err)
	}

	log.Printf("level=info component=app op=create_invoice outcome=created item_type=%s invoice_id=%s amount=%d", input.ItemType, invoice.InvoiceID, amount)

	deeplink := invoice.URLs.Deeplink
	if deeplink == "" {
		deeplink = invoice.QRText
	}
	web := invoice.URLs.Web
	if web == "" {
		web = invoice.QRText
	}
	return &domain.CreateInvoiceResult{
		TestMode:        false,
		InvoiceID:       invoice.InvoiceID,
		SenderInvoiceNo: senderInvoiceNo,
		QRImage:         invoice.QRImage,
		QRText:          invoice.QRText,
		Deeplink:        deeplink,
		WebURL:          web,
		Amount:          amount,
		Description:     input.Description,
		ServiceType:     input.ItemType,
	}, nil
}

// createTestModeInvoice fabricates a local invoice after a live gateway
// failure. No real payment can occur against it; the caller sees
// TestMode = true and must not grant paid access on its basis.
func (s *Service) createTestModeInvoice(ctx context.Context, input CreateInvoiceInput, amount int64, senderInvoiceNo string, cause error) (*domain.CreateInvoiceResult, error) {
	now := s.now()
	invoiceID := domain.TestModeInvoiceID(now)
	qrText := testModePayBaseURL + invoiceID

	log.Printf("level=warn component=app op=create_invoice outcome=test_mode_fallback item_type=%s invoice_id=%s cause=%v", input.ItemType, invoiceID, cause)

	purchase := &domain.Purchase{
		ID:              uuid.New(),
		ReceiverCode:    input.ReceiverCode,
		ItemType:        input.ItemType,
		InvoiceID:       invoiceID,
		SenderInvoiceNo: senderInvoiceNo,
		Amount:          amount,
		Description:     input.Description,
		TestMode:        true,
	}
	if err := s.repo.CreatePurchase(ctx, purchase); err != nil {
		// Nothing real exists at the gateway; keep the flow alive anyway.
		log.Printf("level=warn component=app op=create_invoice msg=\"test-mode purchase persist failed\" invoice_id=%s err=%v", invoiceID, err)
	}

	return &domain.CreateInvoiceResult{
		TestMode:        true,
		FallbackCause:   cause.Error(),
		InvoiceID:       invoiceID,
		SenderInvoiceNo: senderInvoiceNo,
		QRImage:         testModeQRImage,
		QRText:          qrText,
		Deeplink:        qrText,
		WebURL:          qrText,
		Amount:          amount,
		Description:     input.Description,
		ServiceType:     input.ItemType,
	}, nil
}

// normalizeAmount applies the amount policy: an explicit JSON zero is the
// free-item path; anything missing, non-numeric, non-positive, or not
// representable as a billable int64 (NaN, Inf, out of range) is replaced
// with the fallback default.
func (s *Service) normalizeAmount(raw json.RawMessage) (amount int64, isFree bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return s.fallbackAmount, false
	}

	if trimmed[0] != '"' {
		// JSON number literal.
		f, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil {
			return s.fallbackAmount, false
		}
		if f == 0 {
			return 0, true
		}
		if v, ok := coerceBillableAmount(f); ok {
			return v, false
		}
		return s.fallbackAmount, false
	}

	// Quoted value: coerce, never free.
	var str string
	if err := json.Unmarshal(trimmed, &str); err != nil {
		return s.fallbackAmount, false
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return s.fallbackAmount, false
	}
	if v, ok := coerceBillableAmount(f); ok {
		return v, false
	}
	return s.fallbackAmount, false
}

// coerceBillableAmount converts a parsed float into an invoice amount.
// ParseFloat accepts "NaN" and "Inf", and NaN fails every ordered
// comparison, so each hazard is screened before the int64 conversion;
// converting an out-of-range float is undefined and yields garbage values.
func coerceBillableAmount(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f <= 0 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// CheckPayment is the polling fallback for delayed or missed callbacks.
// Storage (callback-fed) wins over the gateway; gateway errors degrade to
// "not paid yet" because polling callers must treat transient errors and
// pending payments identically.
func (s *Service) CheckPayment(ctx context.Context, invoiceID string, itemType domain.ItemType) (*domain.PaymentCheckResult, error) {
	stored, err := s.repo.FindLatestPaymentByInvoiceID(ctx, invoiceID)
	if err != nil && !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, fmt.Errorf("failed to read stored payment for invoice %s: %w", invoiceID, err)
	}
	if stored != nil && stored.Status == domain.PaymentStatusPaid {
		return &domain.PaymentCheckResult{Count: 1, Payment: stored}, nil
	}

	if domain.IsTestModeInvoiceID(invoiceID) {
		return s.checkTestModeInvoice(invoiceID, itemType), nil
	}

	gateway, err := s.selectGateway(itemType)
	if err != nil {
		return nil, err
	}

	resp, err := gateway.CheckPayment(ctx, invoiceID)
	if err != nil {
		log.Printf("level=warn component=app op=check_payment outcome=gateway_error invoice_id=%s item_type=%s err=%v", invoiceID, itemType, err)
		return &domain.PaymentCheckResult{}, nil
	}
	if len(resp.Rows) == 0 {
		return &domain.PaymentCheckResult{}, nil
	}

	// Rows arrive sorted by payment_date descending; the newest row is the
	// logical status of the invoice.
	newest := resp.Rows[0]
	record := &domain.PaymentRecord{
		PaymentID:   newest.PaymentID,
		InvoiceID:   invoiceID,
		Status:      newest.PaymentStatus,
		Amount:      newest.PaymentAmount,
		Currency:    newest.PaymentCurrency,
		Wallet:      newest.PaymentWallet,
		PaidBy:      newest.PaidBy,
		ItemType:    itemType,
		PaymentDate: parsePaymentDate(newest.PaymentDate, s.now()),
	}

	applied, err := s.repo.UpsertPayment(ctx, record)
	if err != nil {
		log.Printf("level=warn component=app op=check_payment msg=\"payment persist failed\" invoice_id=%s payment_id=%s err=%v", invoiceID, record.PaymentID, err)
	} else if !applied && stored != nil {
		// The gateway row is stale relative to the stored terminal status
		// (e.g. a late PAID after a refund); the local state is the answer.
		log.Printf("level=info component=app op=check_payment outcome=stale_gateway_row invoice_id=%s payment_id=%s stored_status=%s gateway_status=%s", invoiceID, record.PaymentID, stored.Status, record.Status)
		return &domain.PaymentCheckResult{Count: 1, Payment: stored}, nil
	} else if applied && record.Status == domain.PaymentStatusPaid {
		// The poll observed a settlement the callback has not delivered yet;
		// reconcile purchase state the same way the callback path would.
		s.fulfillPurchase(ctx, invoiceID, record)
	}

	return &domain.PaymentCheckResult{Count: len(resp.Rows), Payment: record}, nil
}

// checkTestModeInvoice simulates settlement for a locally fabricated invoice:
// pending within the settlement delay, a synthetic PAID row afterwards. A
// real stored PAID row for the id (from a simulated callback) is handled by
// the storage-first branch in CheckPayment before this runs.
func (s *Service) checkTestModeInvoice(invoiceID string, itemType domain.ItemType) *domain.PaymentCheckResult {
	createdAt, ok := domain.TestModeInvoiceCreatedAt(invoiceID)
	if !ok || s.now().Sub(createdAt) < testModeSettlementDelay {
		return &domain.PaymentCheckResult{}
	}
	now := s.now()
	return &domain.PaymentCheckResult{
		Count: 1,
		Payment: &domain.PaymentRecord{
			PaymentID:   fmt.Sprintf("TEST_PAY_%d", now.UnixMilli()),
			InvoiceID:   invoiceID,
			Status:      domain.PaymentStatusPaid,
			Currency:    "MNT",
			Wallet:      "TEST_WALLET",
			PaidBy:      "P2P",
			ItemType:    itemType,
			PaymentDate: now,
		},
	}
}

// Refund issues a refund for a settled payment. Valid only when the payment
// is currently PAID; unlike invoice creation, errors here propagate.
func (s *Service) Refund(ctx context.Context, paymentID, note string) (*domain.RefundResult, error) {
	payment, err := s.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentStatusPaid {
		return nil, fmt.Errorf("%w: payment %s is %s", ErrInvalidPaymentState, paymentID, payment.Status)
	}

	gateway, err := s.selectGateway(payment.ItemType)
	if err != nil {
		return nil, err
	}
	if err := gateway.RefundPayment(ctx, paymentID, qpay.RefundRequest{CallbackURL: gateway.CallbackURL(), Note: note}); err != nil {
		return nil, fmt.Errorf("gateway refund for payment %s failed: %w", paymentID, err)
	}

	if err := s.repo.MarkPaymentRefunded(ctx, paymentID); err != nil {
		if errors.Is(err, store.ErrPaymentStateConflict) {
			return nil, fmt.Errorf("%w: payment %s", ErrInvalidPaymentState, paymentID)
		}
		// The gateway refund went through but the local transition did not;
		// reconciliation needs to know.
		log.Printf("level=error component=app op=refund msg=\"gateway refunded but local transition failed\" payment_id=%s err=%v", paymentID, err)
		return nil, err
	}

	log.Printf("level=info component=app op=refund outcome=refunded payment_id=%s invoice_id=%s", paymentID, payment.InvoiceID)

	if err := s.eventProducer.PublishPaymentRefunded(ctx, rabbitmq.PaymentRefundedEvent{
		PaymentID: paymentID,
		InvoiceID: payment.InvoiceID,
		ItemType:  string(payment.ItemType),
		Note:      note,
		Timestamp: s.now(),
	}); err != nil {
		log.Printf("level=warn component=app op=refund msg=\"refund event publish failed\" payment_id=%s err=%v", paymentID, err)
	}

	return &domain.RefundResult{
		PaymentID: paymentID,
		InvoiceID: payment.InvoiceID,
		Status:    domain.PaymentStatusRefunded,
		Note:      note,
	}, nil
}

// CancelInvoice voids an unpaid invoice at the gateway. Locally fabricated
// test-mode invoices have nothing to cancel.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID string, itemType domain.ItemType) error {
	if domain.IsTestModeInvoiceID(invoiceID) {
		log.Printf("level=info component=app op=cancel_invoice outcome=noop msg=\"test-mode invoice\" invoice_id=%s", invoiceID)
		return nil
	}
	gateway, err := s.selectGateway(itemType)
	if err != nil {
		return err
	}
	if err := gateway.CancelInvoice(ctx, invoiceID); err != nil {
		return fmt.Errorf("gateway cancel for invoice %s failed: %w", invoiceID, err)
	}
	log.Printf("level=info component=app op=cancel_invoice outcome=cancelled invoice_id=%s item_type=%s", invoiceID, itemType)
	return nil
}

// ListPayments is the raw gateway list passthrough used by admin
// reconciliation tooling.
func (s *Service) ListPayments(ctx context.Context, itemType domain.ItemType, req qpay.PaymentListRequest) (*qpay.PaymentListResponse, error) {
	gateway, err := s.selectGateway(itemType)
	if err != nil {
		return nil, err
	}
	return gateway.ListPayments(ctx, req)
}

// fulfillPurchase marks the purchase behind an invoice fulfilled and emits
// the fulfillment event. Safe to call from both the callback and poll paths;
// the repository guarantees the flag flips at most once.
func (s *Service) fulfillPurchase(ctx context.Context, invoiceID string, payment *domain.PaymentRecord) {
	fulfilledNow, err := s.repo.MarkPurchaseFulfilled(ctx, invoiceID, payment.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrPurchaseNotFound) {
			log.Printf("level=warn component=app op=fulfill msg=\"no purchase for invoice\" invoice_id=%s payment_id=%s", invoiceID, payment.PaymentID)
			return
		}
		log.Printf("level=error component=app op=fulfill msg=\"fulfillment persist failed\" invoice_id=%s payment_id=%s err=%v", invoiceID, payment.PaymentID, err)
		return
	}
	if !fulfilledNow {
		return
	}

	purchase, err := s.repo.FindPurchaseByInvoiceID(ctx, invoiceID)
	if err != nil {
		log.Printf("level=warn component=app op=fulfill msg=\"purchase reload failed after fulfillment\" invoice_id=%s err=%v", invoiceID, err)
		return
	}
	if err := s.eventProducer.PublishPaymentFulfilled(ctx, rabbitmq.PaymentFulfilledEvent{
		PaymentID:    payment.PaymentID,
		InvoiceID:    invoiceID,
		ReceiverCode: purchase.ReceiverCode,
		ItemType:     string(purchase.ItemType),
		Amount:       payment.Amount,
		Timestamp:    s.now(),
	}); err != nil {
		log.Printf("level=warn component=app op=fulfill msg=\"fulfillment event publish failed\" invoice_id=%s payment_id=%s err=%v", invoiceID, payment.PaymentID, err)
	}
}

// parsePaymentDate accepts the gateway's date formats; unparsable dates fall
// back to the observation time so ordering stays sane.
func parsePaymentDate(raw string, fallback time.Time) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return fallback
}
