/**
 * @description
 * This file sets up the HTTP router for the payment-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies any necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/setgelsudlal/payment-service/internal/domain"
)

// PaymentRoutes creates and returns a new router for the payment service.
func PaymentRoutes(h *PaymentHandlers, adminJWKSURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public payment flow endpoints, called by the storefront.
	r.Post("/invoice/create", h.CreateInvoiceHandler)
	r.Post("/payment/check", h.CheckPaymentHandler)

	// Gateway callback endpoints, one per credential profile. Authenticated
	// by URL secrecy on the gateway side, so no JWT middleware here.
	r.Post("/callback/test", h.CallbackHandler(domain.ItemTypeTest))
	r.Post("/callback/course", h.CallbackHandler(domain.ItemTypeCourse))

	// Group admin routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AdminAuthMiddleware(adminJWKSURL))

		r.Post("/admin/payment/refund", h.RefundHandler)
		r.Post("/admin/payment/list", h.ListPaymentsHandler)
		r.Delete("/admin/invoice/{invoiceID}", h.CancelInvoiceHandler)
	})

	return r
}
