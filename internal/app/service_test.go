package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/setgelsudlal/payment-service/internal/domain"
	"github.com/setgelsudlal/payment-service/internal/store"
	"github.com/setgelsudlal/payment-service/pkg/qpay"
	"github.com/setgelsudlal/payment-service/pkg/rabbitmq"
)

// stubRepository is an in-memory store.Repository that mirrors the SQL
// monotonicity guards.
type stubRepository struct {
	purchases map[string]*domain.Purchase      // keyed by invoice id
	payments  map[string]*domain.PaymentRecord // keyed by payment id

	createPurchaseErr error
	upsertErr         error
}

func newStubRepository() *stubRepository {
	return &stubRepository{
		purchases: make(map[string]*domain.Purchase),
		payments:  make(map[string]*domain.PaymentRecord),
	}
}

func (r *stubRepository) CreatePurchase(_ context.Context, purchase *domain.Purchase) error {
	if r.createPurchaseErr != nil {
		return r.createPurchaseErr
	}
	r.purchases[purchase.InvoiceID] = purchase
	return nil
}

func (r *stubRepository) FindPurchaseByInvoiceID(_ context.Context, invoiceID string) (*domain.Purchase, error) {
	p, ok := r.purchases[invoiceID]
	if !ok {
		return nil, store.ErrPurchaseNotFound
	}
	return p, nil
}

func (r *stubRepository) MarkPurchaseFulfilled(_ context.Context, invoiceID, paymentID string) (bool, error) {
	p, ok := r.purchases[invoiceID]
	if !ok {
		return false, store.ErrPurchaseNotFound
	}
	if p.Fulfilled {
		return false, nil
	}
	now := time.Now()
	p.Fulfilled = true
	p.FulfilledAt = &now
	p.PaymentID = &paymentID
	return true, nil
}

func (r *stubRepository) FindPaymentByID(_ context.Context, paymentID string) (*domain.PaymentRecord, error) {
	p, ok := r.payments[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	return p, nil
}

func (r *stubRepository) FindLatestPaymentByInvoiceID(_ context.Context, invoiceID string) (*domain.PaymentRecord, error) {
	var latest *domain.PaymentRecord
	for _, p := range r.payments {
		if p.InvoiceID != invoiceID {
			continue
		}
		if latest == nil || p.PaymentDate.After(latest.PaymentDate) {
			latest = p
		}
	}
	if latest == nil {
		return nil, store.ErrPaymentNotFound
	}
	return latest, nil
}

func (r *stubRepository) UpsertPayment(_ context.Context, payment *domain.PaymentRecord) (bool, error) {
	if r.upsertErr != nil {
		return false, r.upsertErr
	}
	existing, ok := r.payments[payment.PaymentID]
	if ok && !domain.CanTransition(existing.Status, payment.Status) {
		return false, nil
	}
	r.payments[payment.PaymentID] = payment
	return true, nil
}

func (r *stubRepository) MarkPaymentRefunded(_ context.Context, paymentID string) error {
	p, ok := r.payments[paymentID]
	if !ok {
		return store.ErrPaymentNotFound
	}
	if p.Status != domain.PaymentStatusPaid {
		return store.ErrPaymentStateConflict
	}
	p.Status = domain.PaymentStatusRefunded
	return nil
}

// stubGateway is a function-field GatewayClient.
type stubGateway struct {
	createInvoiceFn func(ctx context.Context, req qpay.InvoiceRequest) (*qpay.InvoiceResponse, error)
	checkPaymentFn  func(ctx context.Context, invoiceID string) (*qpay.PaymentListResponse, error)
	cancelInvoiceFn func(ctx context.Context, invoiceID string) error
	refundFn        func(ctx context.Context, paymentID string, req qpay.RefundRequest) error
	listPaymentsFn  func(ctx context.Context, req qpay.PaymentListRequest) (*qpay.PaymentListResponse, error)

	createCalls int
	checkCalls  int
}

func (g *stubGateway) CreateInvoice(ctx context.Context, req qpay.InvoiceRequest) (*qpay.InvoiceResponse, error) {
	g.createCalls++
	if g.createInvoiceFn == nil {
		return nil, errors.New("unexpected CreateInvoice call")
	}
	return g.createInvoiceFn(ctx, req)
}

func (g *stubGateway) CheckPayment(ctx context.Context, invoiceID string) (*qpay.PaymentListResponse, error) {
	g.checkCalls++
	if g.checkPaymentFn == nil {
		return nil, errors.New("unexpected CheckPayment call")
	}
	return g.checkPaymentFn(ctx, invoiceID)
}

func (g *stubGateway) CancelInvoice(ctx context.Context, invoiceID string) error {
	if g.cancelInvoiceFn == nil {
		return errors.New("unexpected CancelInvoice call")
	}
	return g.cancelInvoiceFn(ctx, invoiceID)
}

func (g *stubGateway) RefundPayment(ctx context.Context, paymentID string, req qpay.RefundRequest) error {
	if g.refundFn == nil {
		return errors.New("unexpected RefundPayment call")
	}
	return g.refundFn(ctx, paymentID, req)
}

func (g *stubGateway) ListPayments(ctx context.Context, req qpay.PaymentListRequest) (*qpay.PaymentListResponse, error) {
	if g.listPaymentsFn == nil {
		return nil, errors.New("unexpected ListPayments call")
	}
	return g.listPaymentsFn(ctx, req)
}

func (g *stubGateway) CallbackURL() string { return "https://example.mn/callback/test" }

// stubPublisher records published events.
type stubPublisher struct {
	fulfilled []rabbitmq.PaymentFulfilledEvent
	refunded  []rabbitmq.PaymentRefundedEvent
}

func (p *stubPublisher) PublishPaymentFulfilled(_ context.Context, event rabbitmq.PaymentFulfilledEvent) error {
	p.fulfilled = append(p.fulfilled, event)
	return nil
}

func (p *stubPublisher) PublishPaymentRefunded(_ context.Context, event rabbitmq.PaymentRefundedEvent) error {
	p.refunded = append(p.refunded, event)
	return nil
}

func (p *stubPublisher) Close() {}

func newTestService(repo *stubRepository, gateway *stubGateway, publisher *stubPublisher) *Service {
	if repo == nil {
		repo = newStubRepository()
	}
	if gateway == nil {
		gateway = &stubGateway{}
	}
	if publisher == nil {
		publisher = &stubPublisher{}
	}
	svc := NewService(repo, gateway, gateway, false, publisher, 1000)
	return svc
}

func TestCreateInvoiceFreeItemSkipsGateway(t *testing.T) {
	gateway := &stubGateway{}
	svc := newTestService(nil, gateway, nil)

	result, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		Amount:      json.RawMessage(`0`),
		Description: "Free preview lesson",
		ItemType:    domain.ItemTypeTest,
	})
	if err != nil {
		t.Fatalf("CreateInvoice returned error: %v", err)
	}
	if !result.IsFree {
		t.Fatal("expected IsFree result for explicit zero amount")
	}
	if result.Amount != 0 {
		t.Fatalf("expected zero amount, got %d", result.Amount)
	}
	if gateway.createCalls != 0 {
		t.Fatalf("expected no gateway calls for a free item, got %d", gateway.createCalls)
	}
}

func TestCreateInvoiceAmountLeniency(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int64
	}{
		{"missing", ``, 1000},
		{"null", `null`, 1000},
		{"non numeric string", `"abc"`, 1000},
		{"negative", `-500`, 1000},
		{"quoted zero", `"0"`, 1000},
		{"quoted nan", `"NaN"`, 1000},
		{"quoted inf", `"Inf"`, 1000},
		{"quoted negative inf", `"-Inf"`, 1000},
		{"overflowing literal", `1e30`, 1000},
		{"quoted overflow", `"9300000000000000000000"`, 1000},
		{"valid number", `2500`, 2500},
		{"quoted number", `"3500"`, 3500},
		{"fractional", `1999.9`, 1999},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got int64
			gateway := &stubGateway{
				createInvoiceFn: func(_ context.Context, req qpay.InvoiceRequest) (*qpay.InvoiceResponse, error) {
					got = req.Amount
					return &qpay.InvoiceResponse{InvoiceID: "INV-1", QRText: "qr"}, nil
				},
			}
			svc := newTestService(nil, gateway, nil)
			_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
				Amount:       json.RawMessage(tc.raw),
				ReceiverCode: "user-1",
				ItemType:     domain.ItemTypeTest,
			})
			if err != nil {
				t.Fatalf("CreateInvoice returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected gateway amount %d, got %d", tc.want, got)
			}
		})
	}
}

func TestCreateInvoiceRequiresReceiverCode(t *testing.T) {
	svc := newTestService(nil, nil, nil)
	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		Amount:   json.RawMessage(`1500`),
		ItemType: domain.ItemTypeTest,
	})
	if !errors.Is(err, ErrReceiverCodeRequired) {
		t.Fatalf("expected ErrReceiverCodeRequired, got %v", err)
	}
}

func TestCreateInvoiceLiveGatewayPersistsPurchase(t *testing.T) {
	repo := newStubRepository()
	gateway := &stubGateway{
		createInvoiceFn: func(_ context.Context, req qpay.InvoiceRequest) (*qpay.InvoiceResponse, error) {
			resp := &qpay.InvoiceResponse{InvoiceID: "INV-42", QRImage: "img", QRText: "qr-text"}
			resp.URLs.Deeplink = "qpaywallet://q?qr=1"
			resp.URLs.Web = "https://s.qpay.mn/1"
			return resp, nil
		},
	}
	svc := newTestService(repo, gateway, nil)

	result, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		Amount:       json.RawMessage(`5000`),
		Description:  "Course access",
		ReceiverCode: "user-7",
		ItemType:     domain.ItemTypeCourse,
	})
	if err != nil {
		t.Fatalf("CreateInvoice returned error: %v", err)
	}
	if result.TestMode {
		t.Fatal("expected live invoice, got test mode")
	}
	if result.InvoiceID != "INV-42" {
		t.Fatalf("unexpected invoice id %q", result.InvoiceID)
	}
	if result.Deeplink != "qpaywallet://q?qr=1" || result.WebURL != "https://s.qpay.mn/1" {
		t.Fatalf("unexpected urls: %q %q", result.Deeplink, result.WebURL)
	}

	purchase, err := repo.FindPurchaseByInvoiceID(context.Background(), "INV-42")
	if err != nil {
		t.Fatalf("expected purchase persisted: %v", err)
	}
	if purchase.Amount != 5000 || purchase.ItemType != domain.ItemTypeCourse || purchase.TestMode {
		t.Fatalf("unexpected purchase: %+v", purchase)
	}
	if !strings.HasPrefix(purchase.SenderInvoiceNo, "COURSE_INV") {
		t.Fatalf("unexpected sender invoice no %q", purchase.SenderInvoiceNo)
	}
}

func TestCreateInvoiceGatewayFailureFallsBackToTestMode(t *testing.T) {
	repo := newStubRepository()
	gateway := &stubGateway{
		createInvoiceFn: func(_ context.Context, _ qpay.InvoiceRequest) (*qpay.InvoiceResponse, error) {
			return nil, &qpay.TimeoutError{Op: "create_invoice", Err: context.DeadlineExceeded}
		},
	}
	svc := newTestService(repo, gateway, nil)

	result, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		Amount:       json.RawMessage(`2000`),
		Description:  "Test product",
		ReceiverCode: "user-9",
		ItemType:     domain.ItemTypeTest,
	})
	if err != nil {
		t.Fatalf("expected fallback, got error: %v", err)
	}
	if !result.TestMode {
		t.Fatal("expected test-mode result after gateway failure")
	}
	if !domain.IsTestModeInvoiceID(result.InvoiceID) {
		t.Fatalf("expected synthetic invoice id, got %q", result.InvoiceID)
	}
	if result.QRImage == "" || !strings.HasPrefix(result.QRImage, "data:image/svg+xml;base64,") {
		t.Fatalf("expected placeholder QR image, got %q", result.QRImage)
	}

	purchase, err := repo.FindPurchaseByInvoiceID(context.Background(), result.InvoiceID)
	if err != nil {
		t.Fatalf("expected test-mode purchase persisted: %v", err)
	}
	if !purchase.TestMode {
		t.Fatal("expected purchase flagged test mode")
	}
}

func TestCheckPaymentStoredPaidWins(t *testing.T) {
	repo := newStubRepository()
	repo.payments["PAY-1"] = &domain.PaymentRecord{
		PaymentID:   "PAY-1",
		InvoiceID:   "INV-1",
		Status:      domain.PaymentStatusPaid,
		Amount:      1000,
		PaymentDate: time.Now(),
	}
	gateway := &stubGateway{}
	svc := newTestService(repo, gateway, nil)

	result, err := svc.CheckPayment(context.Background(), "INV-1", domain.ItemTypeTest)
	if err != nil {
		t.Fatalf("CheckPayment returned error: %v", err)
	}
	if result.Count != 1 || result.Payment == nil || result.Payment.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected stored PAID payment, got %+v", result)
	}
	if gateway.checkCalls != 0 {
		t.Fatalf("expected no gateway call when storage already has PAID, got %d", gateway.checkCalls)
	}
}

func TestCheckPaymentTestModeSimulatedSettlement(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	invoiceID := domain.TestModeInvoiceID(base)

	svc := newTestService(nil, &stubGateway{}, nil)

	svc.now = func() time.Time { return base.Add(10 * time.Second) }
	result, err := svc.CheckPayment(context.Background(), invoiceID, domain.ItemTypeTest)
	if err != nil {
		t.Fatalf("CheckPayment returned error: %v", err)
	}
	if result.Count != 0 || result.Payment != nil {
		t.Fatalf("expected pending within settlement delay, got %+v", result)
	}

	svc.now = func() time.Time { return base.Add(45 * time.Second) }
	result, err = svc.CheckPayment(context.Background(), invoiceID, domain.ItemTypeTest)
	if err != nil {
		t.Fatalf("CheckPayment returned error: %v", err)
	}
	if result.Count != 1 || result.Payment == nil || result.Payment.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected simulated PAID after settlement delay, got %+v", result)
	}
	if !strings.HasPrefix(result.Payment.PaymentID, "TEST_PAY_") {
		t.Fatalf("unexpected simulated payment id %q", result.Payment.PaymentID)
	}
}

func TestCheckPaymentEmptyRowsMeansNotPaidYet(t *testing.T) {
	gateway := &stubGateway{
		checkPaymentFn: func(_ context.Context, _ string) (*qpay.PaymentListResponse, error) {
			return &qpay.PaymentListResponse{Count: 0, Rows: nil}, nil
		},
	}
	svc := newTestService(nil, gateway, nil)

	result, err := svc.CheckPayment(context.Background(), "INV-E", domain.ItemTypeCourse)
	if err != nil {
		t.Fatalf("CheckPayment returned error: %v", err)
	}
	if result.Count != 0 || result.Payment != nil {
		t.Fatalf("expected not-paid-yet result, got %+v", result)
	}
}

func TestCheckPaymentRoutesThroughOwningProfile(t *testing.T) {
	testGateway := &stubGateway{
		checkPaymentFn: func(_ context.Context, _ string) (*qpay.PaymentListResponse, error) {
			return &qpay.PaymentListResponse{}, nil
		},
	}
	courseGateway := &stubGateway{
		checkPaymentFn: func(_ context.Context, _ string) (*qpay.PaymentListResponse, error) {
			return &qpay.PaymentListResponse{}, nil
		},
	}
	svc := NewService(newStubRepository(), testGateway, courseGateway, false, &stubPublisher{}, 1000)

	if _, err := svc.CheckPayment(context.Background(), "INV-C", domain.ItemTypeCourse); err != nil {
		t.Fatalf("CheckPayment returned error: %v", err)
	}
	if courseGateway.checkCalls != 1 || testGateway.checkCalls != 0 {
		t.Fatalf("expected only the course profile client used, got course=%d test=%d", courseGateway.checkCalls, testGateway.checkCalls)
	}
}

func TestCheckPaymentGatewayErrorMeansNotPaidYet(t *testing.T) {
	gateway := &stubGateway{
		checkPaymentFn: func(_ context.Context, _ string) (*qpay.PaymentListResponse, error) {
			return nil, &qpay.RequestError{Status: 502, Body: "bad gateway"}
		},
	}
	svc := newTestService(nil, gateway, nil)

	result, err := svc.CheckPayment(context.Background(), "INV-5", domain.ItemTypeTest)
	if err != nil {
		t.Fatalf("expected nil error on gateway failure, got %v", err)
	}
	if result.Count != 0 || result.Payment != nil {
		t.Fatalf("expected not-paid-yet result, got %+v", result)
	}
}

func TestCheckPaymentPersistsNewestRowAndFulfills(t *testing.T) {
	repo := newStubRepository()
	repo.purchases["INV-9"] = &domain.Purchase{InvoiceID: "INV-9", ReceiverCode: "user-3", ItemType: domain.ItemTypeCourse, Amount: 4000}
	gateway := &stubGateway{
		checkPaymentFn: func(_ context.Context, _ string) (*qpay.PaymentListResponse, error) {
			return &qpay.PaymentListResponse{
				Count: 2,
				Rows: []qpay.Payment{
					{PaymentID: "PAY-NEW", PaymentStatus: domain.PaymentStatusPaid, PaymentAmount: 4000, PaymentDate: "2026-03-02 10:00:00"},
					{PaymentID: "PAY-OLD", PaymentStatus: domain.PaymentStatusFailed, PaymentAmount: 4000, PaymentDate: "2026-03-01 09:00:00"},
				},
			}, nil
		},
	}
	publisher := &stubPublisher{}
	svc := newTestService(repo, gateway, publisher)

	result, err := svc.CheckPayment(context.Background(), "INV-9", domain.ItemTypeCourse)
	if err != nil {
		t.Fatalf("CheckPayment returned error: %v", err)
	}
	if result.Payment == nil || result.Payment.PaymentID != "PAY-NEW" {
		t.Fatalf("expected newest row to win, got %+v", result.Payment)
	}
	if _, ok := repo.payments["PAY-NEW"]; !ok {
		t.Fatal("expected observed payment persisted")
	}
	if !repo.purchases["INV-9"].Fulfilled {
		t.Fatal("expected purchase fulfilled on observed PAID")
	}
	if len(publisher.fulfilled) != 1 || publisher.fulfilled[0].PaymentID != "PAY-NEW" {
		t.Fatalf("expected one fulfillment event, got %+v", publisher.fulfilled)
	}
}

func TestCheckPaymentStaleGatewayRowDoesNotOverrideStoredState(t *testing.T) {
	repo := newStubRepository()
	repo.purchases["INV-S"] = &domain.Purchase{InvoiceID: "INV-S", ItemType: domain.ItemTypeTest, Fulfilled: true}
	repo.payments["PAY-S"] = &domain.PaymentRecord{
		PaymentID:   "PAY-S",
		InvoiceID:   "INV-S",
		Status:      domain.PaymentStatusRefunded,
		Amount:      2000,
		PaymentDate: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	gateway := &stubGateway{
		checkPaymentFn: func(_ context.Context, _ string) (*qpay.PaymentListResponse, error) {
			// Late gateway view still reporting the settlement.
			return &qpay.PaymentListResponse{
				Count: 1,
				Rows:  []qpay.Payment{{PaymentID: "PAY-S", PaymentStatus: domain.PaymentStatusPaid, PaymentAmount: 2000, PaymentDate: "2026-03-01 09:00:00"}},
			}, nil
		},
	}
	publisher := &stubPublisher{}
	svc := newTestService(repo, gateway, publisher)

	result, err := svc.CheckPayment(context.Background(), "INV-S", domain.ItemTypeTest)
	if err != nil {
		t.Fatalf("CheckPayment returned error: %v", err)
	}
	if result.Payment == nil || result.Payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected stored REFUNDED state to win over stale gateway PAID, got %+v", result.Payment)
	}
	if repo.payments["PAY-S"].Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected stored status untouched, got %q", repo.payments["PAY-S"].Status)
	}
	if len(publisher.fulfilled) != 0 {
		t.Fatalf("stale gateway row must not publish fulfillment events, got %d", len(publisher.fulfilled))
	}
}

func TestRefundRequiresPaidState(t *testing.T) {
	repo := newStubRepository()
	repo.payments["PAY-2"] = &domain.PaymentRecord{PaymentID: "PAY-2", InvoiceID: "INV-2", Status: domain.PaymentStatusFailed}
	svc := newTestService(repo, &stubGateway{}, nil)

	_, err := svc.Refund(context.Background(), "PAY-2", "customer request")
	if !errors.Is(err, ErrInvalidPaymentState) {
		t.Fatalf("expected ErrInvalidPaymentState, got %v", err)
	}
}

func TestRefundHappyPath(t *testing.T) {
	repo := newStubRepository()
	repo.payments["PAY-3"] = &domain.PaymentRecord{PaymentID: "PAY-3", InvoiceID: "INV-3", Status: domain.PaymentStatusPaid, ItemType: domain.ItemTypeTest, Amount: 1500}
	var gatewayRefunds int
	gateway := &stubGateway{
		refundFn: func(_ context.Context, paymentID string, _ qpay.RefundRequest) error {
			gatewayRefunds++
			if paymentID != "PAY-3" {
				t.Fatalf("unexpected payment id %q", paymentID)
			}
			return nil
		},
	}
	publisher := &stubPublisher{}
	svc := newTestService(repo, gateway, publisher)

	result, err := svc.Refund(context.Background(), "PAY-3", "duplicate charge")
	if err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	if result.Status != domain.PaymentStatusRefunded {
		t.Fatalf("unexpected result status %q", result.Status)
	}
	if gatewayRefunds != 1 {
		t.Fatalf("expected one gateway refund call, got %d", gatewayRefunds)
	}
	if repo.payments["PAY-3"].Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected stored payment REFUNDED, got %q", repo.payments["PAY-3"].Status)
	}
	if len(publisher.refunded) != 1 {
		t.Fatalf("expected one refund event, got %d", len(publisher.refunded))
	}
}

func TestRefundGatewayFailurePropagates(t *testing.T) {
	repo := newStubRepository()
	repo.payments["PAY-4"] = &domain.PaymentRecord{PaymentID: "PAY-4", InvoiceID: "INV-4", Status: domain.PaymentStatusPaid, ItemType: domain.ItemTypeTest}
	gateway := &stubGateway{
		refundFn: func(_ context.Context, _ string, _ qpay.RefundRequest) error {
			return &qpay.RequestError{Status: 400, Body: "REFUND_NOT_ALLOWED"}
		},
	}
	svc := newTestService(repo, gateway, nil)

	_, err := svc.Refund(context.Background(), "PAY-4", "")
	var reqErr *qpay.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected gateway error to propagate, got %v", err)
	}
	if repo.payments["PAY-4"].Status != domain.PaymentStatusPaid {
		t.Fatalf("expected payment untouched after gateway failure, got %q", repo.payments["PAY-4"].Status)
	}
}

func TestCancelInvoiceTestModeIsNoop(t *testing.T) {
	gateway := &stubGateway{}
	svc := newTestService(nil, gateway, nil)

	invoiceID := domain.TestModeInvoiceID(time.Now())
	if err := svc.CancelInvoice(context.Background(), invoiceID, domain.ItemTypeTest); err != nil {
		t.Fatalf("expected noop cancel, got %v", err)
	}
}
