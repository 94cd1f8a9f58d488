/**
 * @description
 * This file contains the HTTP handlers for the payment-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models,
 *   and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/setgelsudlal/payment-service/internal/app"
	"github.com/setgelsudlal/payment-service/internal/domain"
	"github.com/setgelsudlal/payment-service/internal/store"
	"github.com/setgelsudlal/payment-service/pkg/qpay"
)

// PaymentHandlers holds the application service that handlers will use.
type PaymentHandlers struct {
	service *app.Service
}

// NewPaymentHandlers creates a new instance of PaymentHandlers.
func NewPaymentHandlers(service *app.Service) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

// createInvoiceRequest is the public invoice-creation payload. Amount stays
// raw so the service can tell an explicit zero from a missing or malformed
// value. Storefront clients send camelCase names (receiverCode, itemType);
// both spellings are accepted.
type createInvoiceRequest struct {
	Amount       json.RawMessage
	Description  string
	ReceiverCode string
	ItemType     string
}

func (r *createInvoiceRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount            json.RawMessage `json:"amount"`
		Description       string          `json:"description"`
		ReceiverCode      string          `json:"receiver_code"`
		ReceiverCodeCamel string          `json:"receiverCode"`
		ItemType          string          `json:"item_type"`
		ItemTypeCamel     string          `json:"itemType"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Amount = raw.Amount
	r.Description = raw.Description
	r.ReceiverCode = firstNonEmpty(raw.ReceiverCode, raw.ReceiverCodeCamel)
	r.ItemType = firstNonEmpty(raw.ItemType, raw.ItemTypeCamel)
	return nil
}

// checkPaymentRequest accepts invoiceId/itemType camelCase spellings as well.
type checkPaymentRequest struct {
	InvoiceID string
	ItemType  string
}

func (r *checkPaymentRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		InvoiceID      string `json:"invoice_id"`
		InvoiceIDCamel string `json:"invoiceId"`
		ItemType       string `json:"item_type"`
		ItemTypeCamel  string `json:"itemType"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.InvoiceID = firstNonEmpty(raw.InvoiceID, raw.InvoiceIDCamel)
	r.ItemType = firstNonEmpty(raw.ItemType, raw.ItemTypeCamel)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type refundRequest struct {
	PaymentID string `json:"payment_id"`
	Note      string `json:"note"`
}

type listPaymentsRequest struct {
	ItemType   string `json:"item_type"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
	PageNumber int64  `json:"page_number"`
	PageLimit  int64  `json:"page_limit"`
}

// CreateInvoiceHandler handles POST /invoice/create.
func (h *PaymentHandlers) CreateInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	itemType, err := domain.ParseItemType(req.ItemType)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.CreateInvoice(r.Context(), app.CreateInvoiceInput{
		Amount:       req.Amount,
		Description:  req.Description,
		ReceiverCode: strings.TrimSpace(req.ReceiverCode),
		ItemType:     itemType,
	})
	if err != nil {
		if errors.Is(err, app.ErrReceiverCodeRequired) || errors.Is(err, app.ErrUnknownItemType) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=create_invoice outcome=failed item_type=%s err=%v", itemType, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to create invoice")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// CheckPaymentHandler handles POST /payment/check, the polling companion to
// the asynchronous callback. Polling is rate limited per invoice.
func (h *PaymentHandlers) CheckPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req checkPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.InvoiceID = strings.TrimSpace(req.InvoiceID)
	if req.InvoiceID == "" {
		h.writeError(w, http.StatusBadRequest, "invoice_id is required")
		return
	}

	itemType, err := domain.ParseItemType(req.ItemType)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if allowed, retryAfter := h.service.ConsumePollRateLimit(r.Context(), req.InvoiceID); !allowed {
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many payment checks for this invoice")
		return
	}

	result, err := h.service.CheckPayment(r.Context(), req.InvoiceID, itemType)
	if err != nil {
		if errors.Is(err, app.ErrUnknownItemType) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=check_payment outcome=failed invoice_id=%s err=%v", req.InvoiceID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to check payment")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// CallbackHandler returns the handler for the per-profile gateway callback
// endpoint. The gateway retries on non-2xx, so only malformed payloads and
// persistence failures are reported as errors; duplicates and stale statuses
// are acknowledged.
func (h *PaymentHandlers) CallbackHandler(itemType domain.ItemType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload domain.CallbackPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid callback body")
			return
		}

		if err := h.service.IngestCallback(r.Context(), itemType, payload); err != nil {
			if errors.Is(err, app.ErrMalformedCallback) {
				log.Printf("level=warn component=api endpoint=callback item_type=%s outcome=reject reason=malformed err=%v", itemType, err)
				h.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			log.Printf("level=error component=api endpoint=callback item_type=%s outcome=failed payment_id=%s err=%v", itemType, payload.PaymentID, err)
			h.writeError(w, http.StatusInternalServerError, "Failed to process callback")
			return
		}

		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// RefundHandler handles POST /admin/payment/refund.
func (h *PaymentHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.PaymentID) == "" {
		h.writeError(w, http.StatusBadRequest, "payment_id is required")
		return
	}

	result, err := h.service.Refund(r.Context(), req.PaymentID, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPaymentNotFound):
			h.writeError(w, http.StatusNotFound, "Payment not found")
		case errors.Is(err, app.ErrInvalidPaymentState):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			var reqErr *qpay.RequestError
			if errors.As(err, &reqErr) {
				log.Printf("level=warn component=api endpoint=refund outcome=gateway_reject payment_id=%s status=%d body=%q", req.PaymentID, reqErr.Status, reqErr.Body)
				h.writeError(w, http.StatusBadGateway, "Gateway rejected the refund")
				return
			}
			log.Printf("level=error component=api endpoint=refund outcome=failed payment_id=%s err=%v", req.PaymentID, err)
			h.writeError(w, http.StatusInternalServerError, "Failed to refund payment")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// CancelInvoiceHandler handles DELETE /admin/invoice/{invoiceID}.
func (h *PaymentHandlers) CancelInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	invoiceID := chi.URLParam(r, "invoiceID")
	if invoiceID == "" {
		h.writeError(w, http.StatusBadRequest, "invoice id is required")
		return
	}
	itemType, err := domain.ParseItemType(firstNonEmpty(r.URL.Query().Get("item_type"), r.URL.Query().Get("itemType")))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.CancelInvoice(r.Context(), invoiceID, itemType); err != nil {
		var reqErr *qpay.RequestError
		if errors.As(err, &reqErr) {
			log.Printf("level=warn component=api endpoint=cancel_invoice outcome=gateway_reject invoice_id=%s status=%d", invoiceID, reqErr.Status)
			h.writeError(w, http.StatusBadGateway, "Gateway rejected the cancellation")
			return
		}
		log.Printf("level=error component=api endpoint=cancel_invoice outcome=failed invoice_id=%s err=%v", invoiceID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to cancel invoice")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "invoice_id": invoiceID})
}

// ListPaymentsHandler handles POST /admin/payment/list, a raw gateway
// passthrough used for reconciliation.
func (h *PaymentHandlers) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	var req listPaymentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ObjectID == "" {
		h.writeError(w, http.StatusBadRequest, "object_id is required")
		return
	}

	itemType, err := domain.ParseItemType(req.ItemType)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	listReq := qpay.PaymentListRequest{ObjectType: req.ObjectType, ObjectID: req.ObjectID}
	if listReq.ObjectType == "" {
		listReq.ObjectType = "INVOICE"
	}
	listReq.Offset.PageNumber = req.PageNumber
	if listReq.Offset.PageNumber <= 0 {
		listReq.Offset.PageNumber = 1
	}
	listReq.Offset.PageLimit = req.PageLimit
	if listReq.Offset.PageLimit <= 0 {
		listReq.Offset.PageLimit = 100
	}

	result, err := h.service.ListPayments(r.Context(), itemType, listReq)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_payments outcome=failed object_id=%s err=%v", req.ObjectID, err)
		h.writeError(w, http.StatusBadGateway, "Failed to list payments")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// writeJSON is a helper for writing JSON responses.
func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

