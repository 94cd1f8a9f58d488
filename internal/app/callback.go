/**
 * @description
 * This file implements callback ingestion, the push half of payment
 * settlement. QPay POSTs a notification to the per-profile callback URL when
 * a payment settles; the gateway retries deliveries, so ingestion must be
 * idempotent. Stale and duplicate notifications are acknowledged without
 * effect; only a first-time PAID observation flips the purchase to fulfilled
 * and emits the fulfillment event.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and persistence.
 * - pkg/rabbitmq: Fulfillment event publishing via Service.fulfillPurchase.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/setgelsudlal/payment-service/internal/domain"
	"github.com/setgelsudlal/payment-service/internal/store"
)

// IngestCallback validates, deduplicates, and persists a gateway payment
// notification for the given profile. Returning nil acknowledges the
// delivery; the gateway stops retrying. Errors are returned only for
// malformed payloads and persistence failures, where a retry could succeed.
func (s *Service) IngestCallback(ctx context.Context, itemType domain.ItemType, payload domain.CallbackPayload) error {
	if err := validateCallback(payload); err != nil {
		return err
	}

	existing, err := s.repo.FindPaymentByID(ctx, payload.PaymentID)
	if err != nil && !errors.Is(err, store.ErrPaymentNotFound) {
		return fmt.Errorf("failed to look up payment %s: %w", payload.PaymentID, err)
	}
	if existing != nil {
		if existing.Status == payload.PaymentStatus {
			// Redelivery of an already-processed notification.
			log.Printf("level=info component=app op=ingest_callback outcome=duplicate payment_id=%s status=%s", payload.PaymentID, payload.PaymentStatus)
			return nil
		}
		if !domain.CanTransition(existing.Status, payload.PaymentStatus) {
			// Late or out-of-order delivery; current state wins.
			log.Printf("level=warn component=app op=ingest_callback outcome=stale payment_id=%s stored_status=%s callback_status=%s", payload.PaymentID, existing.Status, payload.PaymentStatus)
			return nil
		}
	}

	record := &domain.PaymentRecord{
		PaymentID:   payload.PaymentID,
		InvoiceID:   payload.ObjectID,
		Status:      payload.PaymentStatus,
		Amount:      *payload.PaymentAmount,
		Currency:    payload.PaymentCurrency,
		Wallet:      payload.PaymentWallet,
		PaidBy:      payload.PaidBy,
		ItemType:    itemType,
		PaymentDate: parsePaymentDate(payload.PaymentDate, s.now()),
	}

	applied, err := s.repo.UpsertPayment(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to persist payment %s: %w", payload.PaymentID, err)
	}
	if !applied {
		// A concurrent delivery won the race; nothing left to do.
		log.Printf("level=info component=app op=ingest_callback outcome=superseded payment_id=%s status=%s", payload.PaymentID, payload.PaymentStatus)
		return nil
	}

	log.Printf("level=info component=app op=ingest_callback outcome=recorded payment_id=%s invoice_id=%s status=%s item_type=%s", payload.PaymentID, payload.ObjectID, payload.PaymentStatus, itemType)

	if payload.PaymentStatus == domain.PaymentStatusPaid {
		s.fulfillPurchase(ctx, payload.ObjectID, record)
	}
	return nil
}

// validateCallback enforces the required notification fields. The gateway's
// contract makes all of these mandatory; a payload missing any of them is
// rejected rather than guessed at.
func validateCallback(payload domain.CallbackPayload) error {
	switch {
	case payload.PaymentID == "":
		return fmt.Errorf("%w: missing payment_id", ErrMalformedCallback)
	case payload.PaymentStatus == "":
		return fmt.Errorf("%w: missing payment_status", ErrMalformedCallback)
	case payload.PaymentAmount == nil:
		return fmt.Errorf("%w: missing payment_amount", ErrMalformedCallback)
	case payload.ObjectID == "":
		return fmt.Errorf("%w: missing object_id", ErrMalformedCallback)
	case payload.ObjectType == "":
		return fmt.Errorf("%w: missing object_type", ErrMalformedCallback)
	}
	return nil
}
