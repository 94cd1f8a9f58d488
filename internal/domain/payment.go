/**
 * @description
 * This file defines the core domain models for the payment-service. These
 * structs represent the main entities and data transfer objects (DTOs) used
 * throughout the service's business logic, database interactions, and API
 * layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and gateway
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are whole currency units (MNT); QPay does not use minor units,
 *   so `int64` carries the value exactly as billed.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ItemType identifies which of the two credential profiles an invoice
// belongs to. Exactly one profile is selected per invoice lifecycle.
type ItemType string

const (
	ItemTypeTest   ItemType = "test"
	ItemTypeCourse ItemType = "course"
)

// ParseItemType normalizes a caller-supplied item type. An empty value
// defaults to "test" so callers of the public creation endpoint may omit it.
func ParseItemType(raw string) (ItemType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "test":
		return ItemTypeTest, nil
	case "course":
		return ItemTypeCourse, nil
	default:
		return "", fmt.Errorf("unknown item type %q", raw)
	}
}

// Payment statuses as reported by the gateway.
const (
	PaymentStatusNew      = "NEW"
	PaymentStatusPaid     = "PAID"
	PaymentStatusFailed   = "FAILED"
	PaymentStatusRefunded = "REFUNDED"
)

// CanTransition reports whether a payment may move from one status to
// another. Transitions are monotonic: NEW -> PAID -> REFUNDED, or
// NEW -> FAILED (terminal). A payment already REFUNDED or FAILED must never
// be re-marked PAID by a late-arriving callback or poll.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	switch from {
	case "", PaymentStatusNew:
		return to == PaymentStatusPaid || to == PaymentStatusFailed
	case PaymentStatusPaid:
		return to == PaymentStatusRefunded
	default:
		// FAILED and REFUNDED are terminal.
		return false
	}
}

// Purchase links a created invoice to the item being bought. This struct
// maps directly to the `purchases` table.
type Purchase struct {
	ID              uuid.UUID  `json:"id"`
	ReceiverCode    string     `json:"receiver_code"`
	ItemType        ItemType   `json:"item_type"`
	InvoiceID       string     `json:"invoice_id"`
	SenderInvoiceNo string     `json:"sender_invoice_no"`
	Amount          int64      `json:"amount"`
	Description     string     `json:"description"`
	TestMode        bool       `json:"test_mode"`
	Fulfilled       bool       `json:"fulfilled"`
	FulfilledAt     *time.Time `json:"fulfilled_at,omitempty"`
	PaymentID       *string    `json:"payment_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// PaymentRecord is a gateway-observed settlement event persisted locally.
// Records arrive via callback (push) or payment check (pull); the same
// payment id may be observed on both paths.
type PaymentRecord struct {
	PaymentID   string    `json:"payment_id"`
	InvoiceID   string    `json:"invoice_id"`
	Status      string    `json:"status"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Wallet      string    `json:"wallet,omitempty"`
	PaidBy      string    `json:"paid_by,omitempty"`
	ItemType    ItemType  `json:"item_type"`
	PaymentDate time.Time `json:"payment_date"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateInvoiceResult is returned to the frontend after an invoice-creation
// request. TestMode true means no real invoice exists at the gateway and no
// real payment can occur; callers must not grant paid access on the basis of
// a test-mode invoice alone.
type CreateInvoiceResult struct {
	IsFree          bool     `json:"isFree,omitempty"`
	TestMode        bool     `json:"testMode"`
	FallbackCause   string   `json:"-"`
	InvoiceID       string   `json:"invoice_id,omitempty"`
	SenderInvoiceNo string   `json:"-"`
	QRImage         string   `json:"qr_image,omitempty"`
	QRText          string   `json:"qr_text,omitempty"`
	Deeplink        string   `json:"deeplink,omitempty"`
	WebURL          string   `json:"web_url,omitempty"`
	Amount          int64    `json:"amount"`
	Description     string   `json:"description,omitempty"`
	ServiceType     ItemType `json:"serviceType"`
}

// PaymentCheckResult is the reduced outcome of a payment status check.
// A nil Payment with Count zero means "not paid yet", including when the
// gateway was unreachable, since polling callers must treat transient errors
// and pending payments identically.
type PaymentCheckResult struct {
	Count   int            `json:"count"`
	Payment *PaymentRecord `json:"payment,omitempty"`
}

// RefundResult reports a completed refund.
type RefundResult struct {
	PaymentID string `json:"payment_id"`
	InvoiceID string `json:"invoice_id"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
}

// CallbackPayload is the asynchronous payment notification QPay POSTs to the
// per-profile callback URL. PaymentAmount is a pointer so that an absent
// field can be told apart from a genuine zero during validation.
type CallbackPayload struct {
	PaymentID       string `json:"payment_id"`
	PaymentStatus   string `json:"payment_status"`
	PaymentAmount   *int64 `json:"payment_amount"`
	PaymentDate     string `json:"payment_date"`
	ObjectID        string `json:"object_id"`
	ObjectType      string `json:"object_type"`
	PaymentCurrency string `json:"payment_currency"`
	PaymentWallet   string `json:"payment_wallet"`
	PaidBy          string `json:"paid_by"`
}

// SenderInvoiceNo builds the locally generated invoice number embedded in a
// gateway invoice request: {TEST|COURSE}_INV{epochMillis}.
func SenderInvoiceNo(itemType ItemType, at time.Time) string {
	prefix := "TEST"
	if itemType == ItemTypeCourse {
		prefix = "COURSE"
	}
	return fmt.Sprintf("%s_INV%d", prefix, at.UnixMilli())
}

const testInvoicePrefix = "TEST_INV_"

// TestModeInvoiceID builds the synthetic invoice id used when the live
// gateway is unreachable: TEST_INV_{epochMillis}.
func TestModeInvoiceID(at time.Time) string {
	return fmt.Sprintf("%s%d", testInvoicePrefix, at.UnixMilli())
}

// IsTestModeInvoiceID reports whether an invoice id was locally fabricated.
func IsTestModeInvoiceID(invoiceID string) bool {
	return strings.HasPrefix(invoiceID, testInvoicePrefix)
}

// TestModeInvoiceCreatedAt recovers the creation instant embedded in a
// test-mode invoice id. Returns false when the id is not a test-mode id or
// the embedded timestamp is unparsable.
func TestModeInvoiceCreatedAt(invoiceID string) (time.Time, bool) {
	if !IsTestModeInvoiceID(invoiceID) {
		return time.Time{}, false
	}
	var ms int64
	if _, err := fmt.Sscanf(strings.TrimPrefix(invoiceID, testInvoicePrefix), "%d", &ms); err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
