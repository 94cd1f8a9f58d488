/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the payment-service. By defining
 * an interface, we decouple the application's business logic from the
 * specific database implementation (e.g., PostgreSQL), making the code more
 * modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/setgelsudlal/payment-service/internal/domain"
)

var (
	ErrPurchaseNotFound = errors.New("purchase not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	// ErrPaymentStateConflict signals an attempted non-monotonic status
	// transition (e.g. refunding a payment that is not PAID).
	ErrPaymentStateConflict = errors.New("payment is not in a state that permits this transition")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Purchase methods
	CreatePurchase(ctx context.Context, purchase *domain.Purchase) error
	FindPurchaseByInvoiceID(ctx context.Context, invoiceID string) (*domain.Purchase, error)
	// MarkPurchaseFulfilled grants access for the purchase tied to an
	// invoice. It is idempotent: the first call returns true, repeats return
	// false without touching the row again.
	MarkPurchaseFulfilled(ctx context.Context, invoiceID, paymentID string) (bool, error)

	// Payment methods
	FindPaymentByID(ctx context.Context, paymentID string) (*domain.PaymentRecord, error)
	FindLatestPaymentByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentRecord, error)
	// UpsertPayment inserts a gateway-observed payment or updates an existing
	// one, applying the monotonic transition rule in SQL. Returns true when
	// the write was applied, false when the stored status made the incoming
	// status stale.
	UpsertPayment(ctx context.Context, payment *domain.PaymentRecord) (bool, error)
	// MarkPaymentRefunded transitions a PAID payment to REFUNDED. Fails with
	// ErrPaymentStateConflict for any other starting status.
	MarkPaymentRefunded(ctx context.Context, paymentID string) error
}
