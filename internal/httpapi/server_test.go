package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/internal/metrics"
	"github.com/MarkoPoloResearchLab/ridepay/internal/settlement"
	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("gateway-secret")

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakePayments struct {
	walletRequest settlement.WalletPaymentRequest
	cashRequest   settlement.CashPaymentRequest
	webhookBody   []byte
	webhookSig    string
	statusOwner   string
	err           error
	webhook       settlement.WebhookResult
}

func (fake *fakePayments) PayFromWallet(_ context.Context, request settlement.WalletPaymentRequest) (settlement.WalletPaymentResult, error) {
	fake.walletRequest = request
	if fake.err != nil {
		return settlement.WalletPaymentResult{}, fake.err
	}
	return settlement.WalletPaymentResult{TransactionID: "wtx-1", TransferID: "tr_1", Amount: ledger.Amount(request.Amount), PlatformFee: 600, DriverShare: 2400}, nil
}

func (fake *fakePayments) WalletPaymentStatus(_ context.Context, userID string, bookingID string) (settlement.PaymentStatus, error) {
	if fake.err != nil {
		return settlement.PaymentStatus{}, fake.err
	}
	if fake.statusOwner != "" && userID != fake.statusOwner {
		return settlement.PaymentStatus{}, &settlement.Failure{Kind: settlement.KindInvalidRequest, Message: "no wallet payment for booking"}
	}
	return settlement.PaymentStatus{TransactionID: "wtx-1", BookingID: bookingID, Status: ledger.TransactionStatusSettled, Amount: 3000, TransferID: "tr_1"}, nil
}

func (fake *fakePayments) WalletBalance(_ context.Context, userID string) (ledger.WalletBalance, error) {
	return ledger.WalletBalance{
		Wallet:           ledger.Wallet{UserID: userID, Currency: "INR", Balance: 10000, Reserved: 3000},
		TransactionCount: 4,
	}, nil
}

func (fake *fakePayments) ConfirmCashPayment(_ context.Context, request settlement.CashPaymentRequest) (settlement.CashPaymentResult, error) {
	fake.cashRequest = request
	if fake.err != nil {
		return settlement.CashPaymentResult{}, fake.err
	}
	return settlement.CashPaymentResult{Status: http.StatusOK, Message: "Cash payment confirmed successfully"}, nil
}

func (fake *fakePayments) CreateCheckoutSession(_ context.Context, request settlement.CheckoutRequest) (settlement.CheckoutResult, error) {
	if fake.err != nil {
		return settlement.CheckoutResult{}, fake.err
	}
	return settlement.CheckoutResult{TransactionID: "txn_1", SessionID: "cs_1", URL: "https://checkout.test/" + request.BookingID}, nil
}

func (fake *fakePayments) HandleWebhook(_ context.Context, payload []byte, signatureHeader string) (settlement.WebhookResult, error) {
	fake.webhookBody = payload
	fake.webhookSig = signatureHeader
	return fake.webhook, fake.err
}

func signToken(test *testing.T, claims GatewayClaims, secret []byte) string {
	test.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		test.Fatalf("sign: %v", err)
	}
	return signed
}

func newTestRouter(payments Payments) http.Handler {
	return NewRouter(Config{GatewaySecret: testSecret, AllowedOrigins: []string{"https://app.test"}}, payments, metrics.New(), nil)
}

func perform(handler http.Handler, method string, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decode(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		test.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
	return body
}

func TestWalletPaymentUsesGatewayIdentity(test *testing.T) {
	test.Parallel()
	payments := &fakePayments{}
	router := newTestRouter(payments)
	token := signToken(test, GatewayClaims{ID: "rider-1"}, testSecret)

	recorder := perform(router, http.MethodPost, "/wallet/payment", `{"bookingId":"b-1","driverId":"driver-1","amount":3000}`, map[string]string{
		headerAuthorization: bearerPrefix + token,
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if payments.walletRequest.UserID != "rider-1" || payments.walletRequest.BookingID != "b-1" || payments.walletRequest.Amount != 3000 {
		test.Fatalf("unexpected request %+v", payments.walletRequest)
	}
	body := decode(test, recorder)
	if body["transferId"] != "tr_1" || body["status"] != "settled" {
		test.Fatalf("unexpected body %v", body)
	}
}

func TestGatewayAuthRejectsBadTokens(test *testing.T) {
	test.Parallel()
	router := newTestRouter(&fakePayments{})
	expired := signToken(test, GatewayClaims{ID: "rider-1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}}, testSecret)
	testCases := []struct {
		name    string
		headers map[string]string
	}{
		{name: "missing", headers: map[string]string{}},
		{name: "wrong secret", headers: map[string]string{headerAuthorization: bearerPrefix + signToken(test, GatewayClaims{ID: "rider-1"}, []byte("other"))}},
		{name: "expired", headers: map[string]string{headerAuthorization: bearerPrefix + expired}},
		{name: "no subject", headers: map[string]string{headerGatewayToken: signToken(test, GatewayClaims{}, testSecret)}},
		{name: "not bearer", headers: map[string]string{headerAuthorization: "Basic abc"}},
	}
	for _, testCase := range testCases {
		recorder := perform(router, http.MethodGet, "/wallet", "", testCase.headers)
		if recorder.Code != http.StatusUnauthorized {
			test.Fatalf("%s: expected 401, got %d", testCase.name, recorder.Code)
		}
	}
}

func TestGatewayTokenHeaderFallsBackToSubject(test *testing.T) {
	test.Parallel()
	router := newTestRouter(&fakePayments{})
	token := signToken(test, GatewayClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "rider-9"}}, testSecret)

	recorder := perform(router, http.MethodGet, "/wallet", "", map[string]string{headerGatewayToken: token})
	if recorder.Code != http.StatusOK {
		test.Fatalf("unexpected status %d", recorder.Code)
	}
	body := decode(test, recorder)
	if body["userId"] != "rider-9" || body["available"] != float64(7000) || body["transactions"] != float64(4) {
		test.Fatalf("unexpected wallet %v", body)
	}
}

func TestFailureKindsMapToStatusCodes(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		kind   settlement.Kind
		status int
	}{
		{kind: settlement.KindInvalidRequest, status: http.StatusBadRequest},
		{kind: settlement.KindInsufficientFunds, status: http.StatusBadRequest},
		{kind: settlement.KindConflict, status: http.StatusConflict},
		{kind: settlement.KindExternalFailure, status: http.StatusBadGateway},
		{kind: settlement.KindReconciliationRequired, status: http.StatusInternalServerError},
		{kind: settlement.KindInternal, status: http.StatusInternalServerError},
	}
	token := signToken(test, GatewayClaims{ID: "rider-1"}, testSecret)
	for _, testCase := range testCases {
		payments := &fakePayments{err: &settlement.Failure{Kind: testCase.kind, Message: "boom", Reference: "ref-1"}}
		router := newTestRouter(payments)
		recorder := perform(router, http.MethodPost, "/cash-in-hand/payment", `{"bookingId":"c-1","driverId":"d","amount":10}`, map[string]string{
			headerAuthorization: bearerPrefix + token,
		})
		if recorder.Code != testCase.status {
			test.Fatalf("%s: expected %d, got %d", testCase.kind, testCase.status, recorder.Code)
		}
		body := decode(test, recorder)
		if body["reference"] != "ref-1" {
			test.Fatalf("%s: expected support reference, got %v", testCase.kind, body)
		}
		if payments.cashRequest.UserID != "rider-1" {
			test.Fatalf("expected user id defaulted from token, got %q", payments.cashRequest.UserID)
		}
	}
}

func TestUnexpectedErrorsHideDetails(test *testing.T) {
	test.Parallel()
	router := newTestRouter(&fakePayments{err: errors.New("pq: connection refused on 10.0.0.5")})
	recorder := perform(router, http.MethodPost, "/create-checkout-session", `{"bookingId":"k-1","userId":"u","driverId":"d","amount":10}`, nil)
	if recorder.Code != http.StatusInternalServerError {
		test.Fatalf("unexpected status %d", recorder.Code)
	}
	if strings.Contains(recorder.Body.String(), "10.0.0.5") {
		test.Fatalf("internal detail leaked: %s", recorder.Body.String())
	}
}

func TestWebhookPassesRawBodyAndSignature(test *testing.T) {
	test.Parallel()
	payments := &fakePayments{webhook: settlement.WebhookResult{EventType: "checkout.session.completed", Handled: true}}
	router := newTestRouter(payments)
	raw := `{"id":"evt_1", "type":"checkout.session.completed"}`

	recorder := perform(router, http.MethodPost, "/webhook", raw, map[string]string{headerStripeSignature: "t=1,v1=abc"})
	if recorder.Code != http.StatusOK {
		test.Fatalf("unexpected status %d", recorder.Code)
	}
	if string(payments.webhookBody) != raw || payments.webhookSig != "t=1,v1=abc" {
		test.Fatalf("webhook input altered: %q %q", payments.webhookBody, payments.webhookSig)
	}
	if decode(test, recorder)["message"] != "Payment confirmed" {
		test.Fatalf("unexpected body %s", recorder.Body.String())
	}

	payments.webhook = settlement.WebhookResult{EventType: "charge.refunded"}
	recorder = perform(router, http.MethodPost, "/webhook", raw, map[string]string{headerStripeSignature: "t=1,v1=abc"})
	if decode(test, recorder)["message"] != "Ignored event charge.refunded" {
		test.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestCheckoutAndStatusRoutes(test *testing.T) {
	test.Parallel()
	router := newTestRouter(&fakePayments{})

	recorder := perform(router, http.MethodPost, "/create-checkout-session", `{"bookingId":"k-1","userId":"u","driverId":"d","amount":10}`, nil)
	if recorder.Code != http.StatusOK || decode(test, recorder)["url"] != "https://checkout.test/k-1" {
		test.Fatalf("unexpected checkout response %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = perform(router, http.MethodPost, "/create-checkout-session", `not json`, nil)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for malformed body, got %d", recorder.Code)
	}

	token := signToken(test, GatewayClaims{ID: "rider-1"}, testSecret)
	recorder = perform(router, http.MethodGet, "/wallet/payment/b-7", "", map[string]string{headerAuthorization: bearerPrefix + token})
	body := decode(test, recorder)
	if recorder.Code != http.StatusOK || body["bookingId"] != "b-7" || body["status"] != "settled" {
		test.Fatalf("unexpected status response %d %v", recorder.Code, body)
	}

	if recorder := perform(router, http.MethodGet, "/healthz", "", nil); recorder.Code != http.StatusOK {
		test.Fatalf("healthz: %d", recorder.Code)
	}
	recorder = perform(router, http.MethodGet, "/metrics", "", nil)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "http_requests_total") {
		test.Fatalf("metrics not exposed: %d", recorder.Code)
	}
}

func TestWalletPaymentStatusScopedToCaller(test *testing.T) {
	test.Parallel()
	router := newTestRouter(&fakePayments{statusOwner: "rider-1"})

	owner := signToken(test, GatewayClaims{ID: "rider-1"}, testSecret)
	recorder := perform(router, http.MethodGet, "/wallet/payment/b-1", "", map[string]string{headerAuthorization: bearerPrefix + owner})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected owner to see payment, got %d", recorder.Code)
	}

	other := signToken(test, GatewayClaims{ID: "rider-2"}, testSecret)
	recorder = perform(router, http.MethodGet, "/wallet/payment/b-1", "", map[string]string{headerAuthorization: bearerPrefix + other})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for another rider, got %d", recorder.Code)
	}
	if body := recorder.Body.String(); strings.Contains(body, "wtx-1") || strings.Contains(body, "tr_1") {
		test.Fatalf("foreign payment identifiers leaked: %s", body)
	}
}

func TestWebhookRejectsOversizedBody(test *testing.T) {
	test.Parallel()
	payments := &fakePayments{webhook: settlement.WebhookResult{Handled: true}}
	router := newTestRouter(payments)
	oversized := `{"pad":"` + strings.Repeat("x", maxWebhookBodyBytes) + `"}`

	recorder := perform(router, http.MethodPost, "/webhook", oversized, map[string]string{headerStripeSignature: "t=1,v1=abc"})
	if recorder.Code != http.StatusRequestEntityTooLarge {
		test.Fatalf("expected 413, got %d", recorder.Code)
	}
	if payments.webhookBody != nil {
		test.Fatalf("expected truncated body never to reach the handler")
	}
}
