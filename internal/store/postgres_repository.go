/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the necessary SQL queries to interact with the
 * `purchases` and `payments` tables.
 *
 * The payments table enforces the monotonic status rule at the SQL level so
 * that a racing callback and poll cannot downgrade a settled payment: an
 * upsert only applies when the stored status permits the incoming one.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/setgelsudlal/payment-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreatePurchase records a purchase the moment its invoice is created, so a
// later callback can resolve the invoice id back to the purchased item.
func (r *PostgresRepository) CreatePurchase(ctx context.Context, purchase *domain.Purchase) error {
	query := `
		INSERT INTO purchases (id, receiver_code, item_type, invoice_id, sender_invoice_no, amount, description, test_mode, fulfilled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		purchase.ID,
		purchase.ReceiverCode,
		string(purchase.ItemType),
		purchase.InvoiceID,
		purchase.SenderInvoiceNo,
		purchase.Amount,
		purchase.Description,
		purchase.TestMode,
	).Scan(&purchase.CreatedAt, &purchase.UpdatedAt)
}

// FindPurchaseByInvoiceID retrieves the purchase tied to a gateway invoice id.
func (r *PostgresRepository) FindPurchaseByInvoiceID(ctx context.Context, invoiceID string) (*domain.Purchase, error) {
	var p domain.Purchase
	var itemType string
	query := `
		SELECT id, receiver_code, item_type, invoice_id, sender_invoice_no, amount, description, test_mode, fulfilled, fulfilled_at, payment_id, created_at, updated_at
		FROM purchases
		WHERE invoice_id = $1
	`
	err := r.db.QueryRow(ctx, query, invoiceID).Scan(
		&p.ID,
		&p.ReceiverCode,
		&itemType,
		&p.InvoiceID,
		&p.SenderInvoiceNo,
		&p.Amount,
		&p.Description,
		&p.TestMode,
		&p.Fulfilled,
		&p.FulfilledAt,
		&p.PaymentID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	p.ItemType = domain.ItemType(itemType)
	return &p, nil
}

// MarkPurchaseFulfilled flips the fulfillment flag exactly once. The
// `fulfilled = FALSE` guard makes the call idempotent under gateway callback
// retries and callback/poll races.
func (r *PostgresRepository) MarkPurchaseFulfilled(ctx context.Context, invoiceID, paymentID string) (bool, error) {
	query := `
		UPDATE purchases
		SET fulfilled = TRUE, fulfilled_at = NOW(), payment_id = $2, updated_at = NOW()
		WHERE invoice_id = $1 AND fulfilled = FALSE
		RETURNING id
	`
	var id string
	err := r.db.QueryRow(ctx, query, invoiceID, paymentID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either already fulfilled or unknown invoice; disambiguate.
			var exists bool
			if checkErr := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM purchases WHERE invoice_id = $1)", invoiceID).Scan(&exists); checkErr != nil {
				return false, checkErr
			}
			if !exists {
				return false, ErrPurchaseNotFound
			}
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FindPaymentByID retrieves a payment record by gateway payment id.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID string) (*domain.PaymentRecord, error) {
	return r.findPayment(ctx, "WHERE payment_id = $1", paymentID)
}

// FindLatestPaymentByInvoiceID retrieves the newest payment observed for an
// invoice. Multiple rows per invoice are expected (a failed attempt followed
// by a successful retry); the newest payment_date wins.
func (r *PostgresRepository) FindLatestPaymentByInvoiceID(ctx context.Context, invoiceID string) (*domain.PaymentRecord, error) {
	return r.findPayment(ctx, "WHERE invoice_id = $1 ORDER BY payment_date DESC LIMIT 1", invoiceID)
}

func (r *PostgresRepository) findPayment(ctx context.Context, clause string, arg string) (*domain.PaymentRecord, error) {
	var p domain.PaymentRecord
	var itemType string
	query := `
		SELECT payment_id, invoice_id, status, amount, currency, wallet, paid_by, item_type, payment_date, created_at, updated_at
		FROM payments
	` + clause
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&p.PaymentID,
		&p.InvoiceID,
		&p.Status,
		&p.Amount,
		&p.Currency,
		&p.Wallet,
		&p.PaidBy,
		&itemType,
		&p.PaymentDate,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	p.ItemType = domain.ItemType(itemType)
	return &p, nil
}

// UpsertPayment inserts or updates a gateway-observed payment. The WHERE
// clause on the conflict update mirrors domain.CanTransition: NEW may become
// PAID or FAILED, PAID may become REFUNDED, everything else is stale and
// silently skipped (applied = false).
func (r *PostgresRepository) UpsertPayment(ctx context.Context, payment *domain.PaymentRecord) (bool, error) {
	query := `
		INSERT INTO payments (payment_id, invoice_id, status, amount, currency, wallet, paid_by, item_type, payment_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (payment_id) DO UPDATE
		SET status = EXCLUDED.status,
		    amount = EXCLUDED.amount,
		    currency = EXCLUDED.currency,
		    wallet = EXCLUDED.wallet,
		    paid_by = EXCLUDED.paid_by,
		    payment_date = EXCLUDED.payment_date,
		    updated_at = NOW()
		WHERE (payments.status = 'NEW' AND EXCLUDED.status IN ('PAID', 'FAILED'))
		   OR (payments.status = 'PAID' AND EXCLUDED.status = 'REFUNDED')
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		payment.PaymentID,
		payment.InvoiceID,
		payment.Status,
		payment.Amount,
		payment.Currency,
		payment.Wallet,
		payment.PaidBy,
		string(payment.ItemType),
		payment.PaymentDate,
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict row exists and the incoming status is stale.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkPaymentRefunded transitions a PAID payment to REFUNDED.
func (r *PostgresRepository) MarkPaymentRefunded(ctx context.Context, paymentID string) error {
	query := `
		UPDATE payments
		SET status = 'REFUNDED', updated_at = NOW()
		WHERE payment_id = $1 AND status = 'PAID'
		RETURNING payment_id
	`
	var id string
	err := r.db.QueryRow(ctx, query, paymentID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if checkErr := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM payments WHERE payment_id = $1)", paymentID).Scan(&exists); checkErr != nil {
				return checkErr
			}
			if !exists {
				return ErrPaymentNotFound
			}
			return ErrPaymentStateConflict
		}
		return err
	}
	return nil
}
