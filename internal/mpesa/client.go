package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/campusmart/mpesapay-gobackend/internal/config"
)

const (
	transactionTypePayBill = "CustomerPayBillOnline"
	commandReversal        = "TransactionReversal"

	maxReferenceLen   = 12
	maxDescriptionLen = 13

	// Provider error code for a push that has not finished processing yet.
	errCodeStillProcessing = "500.001.1001"
)

// Client issues signed calls to the M-Pesa API. Each request re-derives the
// password/timestamp pair; the provider rejects stale timestamps.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	tokens     *TokenCache
	now        func() time.Time
}

func NewClient(cfg *config.Config) *Client {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     NewTokenCache(cfg, httpClient),
		now:        time.Now,
	}
}

type stkPushRequest struct {
	BusinessShortCode string  `json:"BusinessShortCode"`
	Password          string  `json:"Password"`
	Timestamp         string  `json:"Timestamp"`
	TransactionType   string  `json:"TransactionType"`
	Amount            float64 `json:"Amount"`
	PartyA            string  `json:"PartyA"`
	PartyB            string  `json:"PartyB"`
	PhoneNumber       string  `json:"PhoneNumber"`
	CallBackURL       string  `json:"CallBackURL"`
	AccountReference  string  `json:"AccountReference"`
	TransactionDesc   string  `json:"TransactionDesc"`
}

// STKPushResult is the provider's synchronous answer to a push initiation.
// The final outcome arrives later via the callback webhook.
type STKPushResult struct {
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush sends a payment prompt to the subscriber's phone. Input is
// validated before any network call; a push is never retried automatically
// because a duplicate push means a duplicate prompt on the user's phone.
func (c *Client) STKPush(ctx context.Context, phone string, amount float64, reference, description string) (*STKPushResult, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	if err := c.validateAmount(amount); err != nil {
		return nil, err
	}
	if reference == "" || len(reference) > maxReferenceLen {
		return nil, &ValidationError{Field: "account_reference", Reason: fmt.Sprintf("required, at most %d characters", maxReferenceLen)}
	}
	if description == "" || len(description) > maxDescriptionLen {
		return nil, &ValidationError{Field: "description", Reason: fmt.Sprintf("required, at most %d characters", maxDescriptionLen)}
	}

	timestamp := Timestamp(c.now())
	payload := stkPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionTypePayBill,
		Amount:            amount,
		PartyA:            normalized,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       normalized,
		CallBackURL:       c.cfg.StkCallbackURL(),
		AccountReference:  reference,
		TransactionDesc:   description,
	}

	var result STKPushResult
	status, err := c.post(ctx, c.cfg.STKPushURL(), payload, &result)
	if err != nil {
		return nil, err
	}
	if result.ResponseCode != "0" {
		return nil, &GatewayError{StatusCode: status, Reason: fmt.Sprintf("response code %s: %s", result.ResponseCode, result.ResponseDescription)}
	}
	if result.CheckoutRequestID == "" {
		return nil, &GatewayError{StatusCode: status, Reason: "no CheckoutRequestID in response"}
	}

	log.Printf("STK push accepted: CheckoutRequestID=%s, MerchantRequestID=%s", result.CheckoutRequestID, result.MerchantRequestID)
	return &result, nil
}

type queryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// QueryResult is the outcome of a status query. Pending means the provider
// has not finished processing the push yet.
type QueryResult struct {
	ResultCode int
	ResultDesc string
	Pending    bool
}

// QueryStatus asks the provider for the outcome of a push. Idempotent, so
// transient transport failures are retried with a short linear backoff.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	if checkoutRequestID == "" {
		return nil, &ValidationError{Field: "checkout_request_id", Reason: "required"}
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		result, err := c.queryOnce(ctx, checkoutRequestID)
		if err == nil {
			return result, nil
		}
		lastErr = err
		// Provider rejections are final; only transport errors are worth retrying.
		if _, ok := err.(*GatewayError); ok {
			return nil, err
		}
		if _, ok := err.(*AuthError); ok {
			return nil, err
		}
		log.Printf("Status query for %s failed (attempt %d): %v", checkoutRequestID, attempt, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, lastErr
}

func (c *Client) queryOnce(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	timestamp := Timestamp(c.now())
	payload := queryRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.QueryURL(), bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var providerErr struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		if json.Unmarshal(raw, &providerErr) == nil && providerErr.ErrorCode == errCodeStillProcessing {
			return &QueryResult{Pending: true, ResultDesc: providerErr.ErrorMessage}, nil
		}
		return nil, &GatewayError{StatusCode: resp.StatusCode, Reason: string(raw)}
	}

	var result struct {
		ResultCode string `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	code, err := strconv.Atoi(result.ResultCode)
	if err != nil {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Reason: "unparseable ResultCode " + result.ResultCode}
	}
	return &QueryResult{ResultCode: code, ResultDesc: result.ResultDesc}, nil
}

type reversalRequest struct {
	Initiator              string  `json:"InitiatorName"`
	SecurityCredential     string  `json:"SecurityCredential"`
	CommandID              string  `json:"CommandID"`
	TransactionID          string  `json:"TransactionID"`
	Amount                 float64 `json:"Amount"`
	ReceiverParty          string  `json:"ReceiverParty"`
	RecieverIdentifierType string  `json:"RecieverIdentifierType"` // provider's own spelling
	ResultURL              string  `json:"ResultURL"`
	QueueTimeOutURL        string  `json:"QueueTimeOutURL"`
	Remarks                string  `json:"Remarks"`
}

// ReversalResult acknowledges that the provider queued a reversal. The final
// outcome arrives on the result callback.
type ReversalResult struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseDescription      string `json:"ResponseDescription"`
	ResponseCode             string `json:"ResponseCode"`
}

// Reverse requests a refund of a completed transaction. Requires the
// separately provisioned initiator credentials. Never retried automatically.
func (c *Client) Reverse(ctx context.Context, transactionID string, amount float64, remarks string) (*ReversalResult, error) {
	if transactionID == "" {
		return nil, &ValidationError{Field: "transaction_id", Reason: "required"}
	}
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if c.cfg.InitiatorName == "" || c.cfg.SecurityCredential == "" {
		return nil, &RefundError{Reason: "reversal credentials not configured"}
	}

	payload := reversalRequest{
		Initiator:              c.cfg.InitiatorName,
		SecurityCredential:     c.cfg.SecurityCredential,
		CommandID:              commandReversal,
		TransactionID:          transactionID,
		Amount:                 amount,
		ReceiverParty:          c.cfg.Shortcode,
		RecieverIdentifierType: "11",
		ResultURL:              c.cfg.ReversalCallbackURL(),
		QueueTimeOutURL:        c.cfg.TimeoutCallbackURL(),
		Remarks:                remarks,
	}

	var result ReversalResult
	status, err := c.post(ctx, c.cfg.ReversalURL(), payload, &result)
	if err != nil {
		if gwErr, ok := err.(*GatewayError); ok {
			return nil, &RefundError{Reason: gwErr.Reason}
		}
		return nil, err
	}
	if result.ResponseCode != "0" {
		return nil, &RefundError{Reason: fmt.Sprintf("status %d, code %s: %s", status, result.ResponseCode, result.ResponseDescription)}
	}

	log.Printf("Reversal queued: ConversationID=%s", result.ConversationID)
	return &result, nil
}

// post sends a signed JSON request and decodes the response into out. Returns
// the HTTP status so callers can distinguish provider rejections.
func (c *Client) post(ctx context.Context, url string, payload, out interface{}) (int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		var providerErr struct {
			ErrorMessage string `json:"errorMessage"`
		}
		reason := string(raw)
		if json.Unmarshal(raw, &providerErr) == nil && providerErr.ErrorMessage != "" {
			reason = providerErr.ErrorMessage
		}
		return resp.StatusCode, &GatewayError{StatusCode: resp.StatusCode, Reason: reason}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode provider response: %w", err)
	}
	return resp.StatusCode, nil
}

func (c *Client) validateAmount(amount float64) error {
	cents := math.Round(amount * 100)
	if cents <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if cents < math.Round(c.cfg.MinAmount*100) {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("below minimum of %.2f", c.cfg.MinAmount)}
	}
	if cents > math.Round(c.cfg.MaxAmount*100) {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("exceeds maximum of %.2f", c.cfg.MaxAmount)}
	}
	return nil
}
