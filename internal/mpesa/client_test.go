package mpesa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an httptest server speaking the provider's wire protocol.
type fakeProvider struct {
	server *httptest.Server

	pushCalls  int64
	queryCalls int64

	lastPush    map[string]interface{}
	lastReverse map[string]interface{}
	pushStatus  int
	pushBody    string
	queryStatus int
	queryBody   string
	reverseBody string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	fp := &fakeProvider{
		pushStatus: http.StatusOK,
		pushBody: `{"MerchantRequestID":"mr_001","CheckoutRequestID":"ws_001",
			"ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing",
			"CustomerMessage":"Success. Request accepted for processing"}`,
		queryStatus: http.StatusOK,
		queryBody:   `{"ResponseCode":"0","ResultCode":"0","ResultDesc":"The service request is processed successfully."}`,
		reverseBody: `{"ConversationID":"AG_123","OriginatorConversationID":"29112-34801843-1","ResponseCode":"0","ResponseDescription":"Accept the service request successfully."}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok1","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fp.pushCalls, 1)
		assert.Equal(t, "Bearer tok1", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fp.lastPush = body
		w.WriteHeader(fp.pushStatus)
		w.Write([]byte(fp.pushBody))
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fp.queryCalls, 1)
		w.WriteHeader(fp.queryStatus)
		w.Write([]byte(fp.queryBody))
	})
	mux.HandleFunc("/mpesa/reversal/v1/request", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fp.lastReverse = body
		w.Write([]byte(fp.reverseBody))
	})

	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)
	return fp
}

func newTestClient(fp *fakeProvider) *Client {
	cfg := testConfig(fp.server.URL)
	client := NewClient(cfg)
	client.httpClient = fp.server.Client()
	client.tokens = NewTokenCache(cfg, fp.server.Client())
	return client
}

func TestSTKPushSuccess(t *testing.T) {
	fp := newFakeProvider(t)
	client := newTestClient(fp)

	result, err := client.STKPush(context.Background(), "254712345678", 500.00, "Order-42", "Order payment")
	require.NoError(t, err)
	assert.Equal(t, "ws_001", result.CheckoutRequestID)
	assert.Equal(t, "mr_001", result.MerchantRequestID)
	assert.Equal(t, "0", result.ResponseCode)

	// Wire format must match the provider's documented payload.
	assert.Equal(t, "174379", fp.lastPush["BusinessShortCode"])
	assert.Equal(t, "CustomerPayBillOnline", fp.lastPush["TransactionType"])
	assert.Equal(t, float64(500), fp.lastPush["Amount"])
	assert.Equal(t, "254712345678", fp.lastPush["PartyA"])
	assert.Equal(t, "174379", fp.lastPush["PartyB"])
	assert.Equal(t, "254712345678", fp.lastPush["PhoneNumber"])
	assert.Equal(t, "https://pay.example.com/api/payment/mpesa-callback", fp.lastPush["CallBackURL"])
	assert.Equal(t, "Order-42", fp.lastPush["AccountReference"])
	assert.Equal(t, "Order payment", fp.lastPush["TransactionDesc"])
	assert.NotEmpty(t, fp.lastPush["Password"])
	assert.Len(t, fp.lastPush["Timestamp"], 14)
}

func TestSTKPushNormalizesPhone(t *testing.T) {
	fp := newFakeProvider(t)
	client := newTestClient(fp)

	_, err := client.STKPush(context.Background(), "+254 712 345 678", 500.00, "Order-42", "Order payment")
	require.NoError(t, err)
	assert.Equal(t, "254712345678", fp.lastPush["PhoneNumber"])
}

func TestSTKPushFailsFastOnInvalidInput(t *testing.T) {
	fp := newFakeProvider(t)
	client := newTestClient(fp)

	tests := []struct {
		name        string
		phone       string
		amount      float64
		reference   string
		description string
	}{
		{name: "bad phone", phone: "12345", amount: 500, reference: "Order-42", description: "Order payment"},
		{name: "zero amount", phone: "254712345678", amount: 0.00, reference: "Order-42", description: "Order payment"},
		{name: "negative amount", phone: "254712345678", amount: -5, reference: "Order-42", description: "Order payment"},
		{name: "below minimum", phone: "254712345678", amount: 9.99, reference: "Order-42", description: "Order payment"},
		{name: "one cent above maximum", phone: "254712345678", amount: 150000.01, reference: "Order-42", description: "Order payment"},
		{name: "empty reference", phone: "254712345678", amount: 500, reference: "", description: "Order payment"},
		{name: "reference too long", phone: "254712345678", amount: 500, reference: strings.Repeat("x", 13), description: "Order payment"},
		{name: "description too long", phone: "254712345678", amount: 500, reference: "Order-42", description: strings.Repeat("x", 14)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.STKPush(context.Background(), tt.phone, tt.amount, tt.reference, tt.description)
			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr)
		})
	}

	// Fail-fast: no wasted round trips, not even the token exchange.
	assert.Equal(t, int64(0), atomic.LoadInt64(&fp.pushCalls))
}

func TestSTKPushAcceptsMaximumAmount(t *testing.T) {
	fp := newFakeProvider(t)
	client := newTestClient(fp)

	_, err := client.STKPush(context.Background(), "254712345678", 150000.00, "Order-42", "Order payment")
	assert.NoError(t, err)
}

func TestSTKPushGatewayRejection(t *testing.T) {
	fp := newFakeProvider(t)
	fp.pushStatus = http.StatusForbidden
	fp.pushBody = `{"requestId":"1","errorCode":"403.001","errorMessage":"Invalid Access Token"}`
	client := newTestClient(fp)

	_, err := client.STKPush(context.Background(), "254712345678", 500.00, "Order-42", "Order payment")
	var gatewayErr *GatewayError
	require.ErrorAs(t, err, &gatewayErr)
	assert.Equal(t, http.StatusForbidden, gatewayErr.StatusCode)
	assert.Contains(t, gatewayErr.Reason, "Invalid Access Token")
	// Pushes are never retried: a duplicate push is a duplicate prompt.
	assert.Equal(t, int64(1), atomic.LoadInt64(&fp.pushCalls))
}

func TestSTKPushNonZeroResponseCode(t *testing.T) {
	fp := newFakeProvider(t)
	fp.pushBody = `{"MerchantRequestID":"mr_001","CheckoutRequestID":"ws_001","ResponseCode":"1","ResponseDescription":"Insufficient balance"}`
	client := newTestClient(fp)

	_, err := client.STKPush(context.Background(), "254712345678", 500.00, "Order-42", "Order payment")
	var gatewayErr *GatewayError
	assert.ErrorAs(t, err, &gatewayErr)
}

func TestQueryStatusResultCodes(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{name: "completed", body: `{"ResultCode":"0","ResultDesc":"The service request is processed successfully."}`, wantCode: 0},
		{name: "timeout", body: `{"ResultCode":"1037","ResultDesc":"DS timeout user cannot be reached"}`, wantCode: 1037},
		{name: "cancelled", body: `{"ResultCode":"1032","ResultDesc":"Request cancelled by user"}`, wantCode: 1032},
		{name: "generic failure", body: `{"ResultCode":"1","ResultDesc":"The balance is insufficient"}`, wantCode: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := newFakeProvider(t)
			fp.queryBody = tt.body
			client := newTestClient(fp)

			result, err := client.QueryStatus(context.Background(), "ws_001")
			require.NoError(t, err)
			assert.False(t, result.Pending)
			assert.Equal(t, tt.wantCode, result.ResultCode)
		})
	}
}

func TestQueryStatusStillProcessing(t *testing.T) {
	fp := newFakeProvider(t)
	fp.queryStatus = http.StatusInternalServerError
	fp.queryBody = `{"requestId":"1","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`
	client := newTestClient(fp)

	result, err := client.QueryStatus(context.Background(), "ws_001")
	require.NoError(t, err)
	assert.True(t, result.Pending)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fp.queryCalls))
}

func TestQueryStatusProviderRejectionNotRetried(t *testing.T) {
	fp := newFakeProvider(t)
	fp.queryStatus = http.StatusBadRequest
	fp.queryBody = `{"requestId":"1","errorCode":"400.002.02","errorMessage":"Invalid CheckoutRequestID"}`
	client := newTestClient(fp)

	_, err := client.QueryStatus(context.Background(), "ws_001")
	var gatewayErr *GatewayError
	assert.ErrorAs(t, err, &gatewayErr)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fp.queryCalls))
}

func TestReverseSuccess(t *testing.T) {
	fp := newFakeProvider(t)
	client := newTestClient(fp)

	result, err := client.Reverse(context.Background(), "OEI2AK4Q16", 500.00, "Order refund")
	require.NoError(t, err)
	assert.Equal(t, "AG_123", result.ConversationID)

	assert.Equal(t, "TransactionReversal", fp.lastReverse["CommandID"])
	assert.Equal(t, "OEI2AK4Q16", fp.lastReverse["TransactionID"])
	assert.Equal(t, "11", fp.lastReverse["RecieverIdentifierType"])
	// The reversal outcome has its own payload shape, so it must land on the
	// dedicated reversal sink, not the push callback.
	assert.Equal(t, "https://pay.example.com/api/payment/reversal-callback", fp.lastReverse["ResultURL"])
	assert.Equal(t, "https://pay.example.com/api/payment/timeout-callback", fp.lastReverse["QueueTimeOutURL"])
}

func TestReverseRequiresCredentials(t *testing.T) {
	fp := newFakeProvider(t)
	client := newTestClient(fp)
	client.cfg.InitiatorName = ""

	_, err := client.Reverse(context.Background(), "OEI2AK4Q16", 500.00, "Order refund")
	var refundErr *RefundError
	assert.ErrorAs(t, err, &refundErr)
}
