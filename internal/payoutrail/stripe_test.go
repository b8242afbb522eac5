package payoutrail

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	testSecretKey     = "sk_test_ridepay"
	testWebhookSecret = "whsec_ridepay"
)

type recordedRequest struct {
	method         string
	path           string
	form           url.Values
	idempotencyKey string
}

type fakeStripe struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]fakeResponse
}

type fakeResponse struct {
	status int
	body   string
}

func newFakeStripe(test *testing.T, responses map[string]fakeResponse) (*fakeStripe, *StripeRail) {
	test.Helper()
	fake := &fakeStripe{responses: responses}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		form, _ := url.ParseQuery(string(body))
		fake.mu.Lock()
		fake.requests = append(fake.requests, recordedRequest{
			method:         request.Method,
			path:           request.URL.Path,
			form:           form,
			idempotencyKey: request.Header.Get("Idempotency-Key"),
		})
		fake.mu.Unlock()
		response, ok := fake.responses[request.Method+" "+request.URL.Path]
		if !ok {
			response = fakeResponse{status: http.StatusNotFound, body: `{"error":{"type":"invalid_request_error","message":"not found"}}`}
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(response.status)
		_, _ = writer.Write([]byte(response.body))
	}))
	test.Cleanup(server.Close)
	rail, err := NewStripeRail(Config{SecretKey: testSecretKey, WebhookSecret: testWebhookSecret, BaseURL: server.URL})
	if err != nil {
		test.Fatalf("rail: %v", err)
	}
	return fake, rail
}

func (fake *fakeStripe) last(test *testing.T) recordedRequest {
	test.Helper()
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.requests) == 0 {
		test.Fatalf("no requests recorded")
	}
	return fake.requests[len(fake.requests)-1]
}

func TestNewStripeRailRequiresSecret(test *testing.T) {
	test.Parallel()
	if _, err := NewStripeRail(Config{}); err == nil {
		test.Fatalf("expected error for empty secret key")
	}
}

func TestAvailableBalancePicksCurrency(test *testing.T) {
	test.Parallel()
	_, rail := newFakeStripe(test, map[string]fakeResponse{
		"GET /v1/balance": {status: http.StatusOK, body: `{"object":"balance","available":[{"amount":500,"currency":"gbp"},{"amount":12000,"currency":"usd"}]}`},
	})
	amount, err := rail.AvailableBalance(context.Background(), "USD")
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if amount != 12000 {
		test.Fatalf("expected 12000, got %d", amount)
	}
	missing, err := rail.AvailableBalance(context.Background(), "eur")
	if err != nil || missing != 0 {
		test.Fatalf("expected zero for absent currency, got %d %v", missing, err)
	}
}

func TestCreateTransferSendsIdempotencyKey(test *testing.T) {
	test.Parallel()
	fake, rail := newFakeStripe(test, map[string]fakeResponse{
		"POST /v1/transfers": {status: http.StatusOK, body: `{"id":"tr_123","object":"transfer","amount":2880}`},
	})
	transfer, err := rail.CreateTransfer(context.Background(), TransferRequest{
		Amount:         2880,
		Currency:       "USD",
		Destination:    "acct_driver",
		IdempotencyKey: "transfer_booking-1_rider-1",
		BookingID:      "booking-1",
	})
	if err != nil {
		test.Fatalf("transfer: %v", err)
	}
	if transfer.ID != "tr_123" {
		test.Fatalf("unexpected transfer %+v", transfer)
	}
	request := fake.last(test)
	if request.idempotencyKey != "transfer_booking-1_rider-1" {
		test.Fatalf("expected idempotency key header, got %q", request.idempotencyKey)
	}
	if request.form.Get("amount") != "2880" || request.form.Get("currency") != "usd" || request.form.Get("destination") != "acct_driver" {
		test.Fatalf("unexpected transfer form %v", request.form)
	}
	if request.form.Get("metadata[bookingId]") != "booking-1" {
		test.Fatalf("expected booking metadata, got %v", request.form)
	}
}

func TestCreateTransferSurfacesStripeError(test *testing.T) {
	test.Parallel()
	_, rail := newFakeStripe(test, map[string]fakeResponse{
		"POST /v1/transfers": {status: http.StatusBadRequest, body: `{"error":{"type":"invalid_request_error","message":"insufficient funds"}}`},
	})
	_, err := rail.CreateTransfer(context.Background(), TransferRequest{Amount: 1, Currency: "usd", Destination: "acct", IdempotencyKey: "k"})
	if !errors.Is(err, ErrRailUnavailable) {
		test.Fatalf("expected ErrRailUnavailable, got %v", err)
	}
}

func TestCreateCheckoutSessionRoutesToDriver(test *testing.T) {
	test.Parallel()
	fake, rail := newFakeStripe(test, map[string]fakeResponse{
		"POST /v1/checkout/sessions": {status: http.StatusOK, body: `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.example/cs_test_1"}`},
	})
	session, err := rail.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		Amount:             5000,
		Currency:           "INR",
		ApplicationFee:     1000,
		DestinationAccount: "acct_driver",
		SuccessURL:         "https://app.example/payment-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:          "https://app.example/payment-cancel",
		Metadata:           map[string]string{"bookingId": "booking-2"},
	})
	if err != nil {
		test.Fatalf("checkout: %v", err)
	}
	if session.ID != "cs_test_1" || session.URL == "" {
		test.Fatalf("unexpected session %+v", session)
	}
	form := fake.last(test).form
	if form.Get("payment_intent_data[application_fee_amount]") != "1000" {
		test.Fatalf("expected application fee, got %v", form)
	}
	if form.Get("payment_intent_data[transfer_data][destination]") != "acct_driver" {
		test.Fatalf("expected destination, got %v", form)
	}
	if form.Get("line_items[0][price_data][unit_amount]") != "5000" || form.Get("line_items[0][price_data][currency]") != "inr" {
		test.Fatalf("unexpected line item %v", form)
	}
	if form.Get("metadata[bookingId]") != "booking-2" {
		test.Fatalf("expected metadata, got %v", form)
	}
}

func TestAccountReadyAndPaymentSucceeded(test *testing.T) {
	test.Parallel()
	_, rail := newFakeStripe(test, map[string]fakeResponse{
		"GET /v1/accounts/acct_ready":       {status: http.StatusOK, body: `{"id":"acct_ready","object":"account","charges_enabled":true}`},
		"GET /v1/accounts/acct_pending":     {status: http.StatusOK, body: `{"id":"acct_pending","object":"account","charges_enabled":false}`},
		"GET /v1/payment_intents/pi_ok":     {status: http.StatusOK, body: `{"id":"pi_ok","object":"payment_intent","status":"succeeded"}`},
		"GET /v1/payment_intents/pi_action": {status: http.StatusOK, body: `{"id":"pi_action","object":"payment_intent","status":"requires_action"}`},
	})
	ctx := context.Background()
	if ready, err := rail.AccountReady(ctx, "acct_ready"); err != nil || !ready {
		test.Fatalf("expected ready account, got %v %v", ready, err)
	}
	if ready, err := rail.AccountReady(ctx, "acct_pending"); err != nil || ready {
		test.Fatalf("expected pending account, got %v %v", ready, err)
	}
	if succeeded, err := rail.PaymentSucceeded(ctx, "pi_ok"); err != nil || !succeeded {
		test.Fatalf("expected succeeded intent, got %v %v", succeeded, err)
	}
	if succeeded, err := rail.PaymentSucceeded(ctx, "pi_action"); err != nil || succeeded {
		test.Fatalf("expected unfinished intent, got %v %v", succeeded, err)
	}
	if _, err := rail.AccountReady(ctx, "acct_missing"); !errors.Is(err, ErrRailUnavailable) {
		test.Fatalf("expected ErrRailUnavailable, got %v", err)
	}
}

func TestTransfersActiveReadsCapability(test *testing.T) {
	test.Parallel()
	_, rail := newFakeStripe(test, map[string]fakeResponse{
		"GET /v1/accounts/acct_active":   {status: http.StatusOK, body: `{"id":"acct_active","object":"account","capabilities":{"transfers":"active"}}`},
		"GET /v1/accounts/acct_inactive": {status: http.StatusOK, body: `{"id":"acct_inactive","object":"account","capabilities":{"transfers":"inactive"}}`},
		"GET /v1/accounts/acct_bare":     {status: http.StatusOK, body: `{"id":"acct_bare","object":"account"}`},
	})
	ctx := context.Background()
	testCases := []struct {
		accountID string
		active    bool
	}{
		{accountID: "acct_active", active: true},
		{accountID: "acct_inactive", active: false},
		{accountID: "acct_bare", active: false},
	}
	for _, testCase := range testCases {
		active, err := rail.TransfersActive(ctx, testCase.accountID)
		if err != nil || active != testCase.active {
			test.Fatalf("%s: expected active=%v, got %v %v", testCase.accountID, testCase.active, active, err)
		}
	}
	if _, err := rail.TransfersActive(ctx, "acct_missing"); !errors.Is(err, ErrRailUnavailable) {
		test.Fatalf("expected ErrRailUnavailable, got %v", err)
	}
}

func TestParseWebhookVerifiesSignature(test *testing.T) {
	test.Parallel()
	_, rail := newFakeStripe(test, map[string]fakeResponse{})
	payload := []byte(`{
		"id":          "evt_1",
		"object":      "event",
		"api_version": "2024-06-20",
		"type":        "checkout.session.completed",
		"data": {"object": {
			"id":             "cs_test_1",
			"object":         "checkout.session",
			"payment_intent": "pi_ok",
			"metadata": {"bookingId": "booking-3", "localTransactionId": "txn_1"}
		}}
	}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})

	event, err := rail.ParseWebhook(payload, signed.Header)
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if event.Type != EventCheckoutSessionCompleted || event.SessionID != "cs_test_1" || event.PaymentIntentID != "pi_ok" {
		test.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["localTransactionId"] != "txn_1" {
		test.Fatalf("expected metadata, got %v", event.Metadata)
	}

	if _, err := rail.ParseWebhook(payload, "t=1,v1=bad"); !errors.Is(err, ErrInvalidSignature) {
		test.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := rail.ParseWebhook(payload, ""); !errors.Is(err, ErrInvalidSignature) {
		test.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
}

func TestParseWebhookPassesThroughOtherEvents(test *testing.T) {
	test.Parallel()
	_, rail := newFakeStripe(test, map[string]fakeResponse{})
	payload := []byte(`{"id":"evt_2","object":"event","type":"payment_intent.created","data":{"object":{"id":"pi_1","object":"payment_intent"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})
	event, err := rail.ParseWebhook(payload, signed.Header)
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if event.Type != "payment_intent.created" || event.SessionID != "" {
		test.Fatalf("unexpected event %+v", event)
	}
}
