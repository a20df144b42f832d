package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/campusmart/mpesapay-gobackend/internal/services"
)

// ResultApplier is the single ledger surface callbacks write through.
type ResultApplier interface {
	ApplyResult(ctx context.Context, checkoutRequestID string, resultCode int, resultDesc, receipt string) (bool, error)
}

// CallbackHandler receives the provider's asynchronous payment results. The
// provider cannot present credentials on callbacks, so these routes are
// mounted without auth.
type CallbackHandler struct {
	service ResultApplier
}

func NewCallbackHandler(service ResultApplier) *CallbackHandler {
	return &CallbackHandler{service: service}
}

// stkCallbackPayload is the provider's documented nested result structure.
type stkCallbackPayload struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback processes a push result. Duplicate deliveries are safe: the
// ledger transition is idempotent, so the handler does no locking of its own.
// Once processing is attempted the provider always gets a 200 ack, even on a
// logical conflict, to avoid its redelivery storm; only an unparseable body
// is rejected.
func (h *CallbackHandler) StkCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read callback body")
		return
	}

	var payload stkCallbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("Malformed callback payload (%v), raw body for replay: %s", err, string(raw))
		writeError(w, http.StatusBadRequest, "Invalid callback payload")
		return
	}

	cb := payload.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		log.Printf("Callback missing CheckoutRequestID, raw body for replay: %s", string(raw))
		writeError(w, http.StatusBadRequest, "Missing CheckoutRequestID")
		return
	}

	receipt := ""
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			receipt = fmt.Sprintf("%v", item.Value)
		}
	}

	log.Printf("Callback received: checkout=%s, result=%d (%s)", cb.CheckoutRequestID, cb.ResultCode, cb.ResultDesc)
	h.applyAndAck(w, r, cb.CheckoutRequestID, cb.ResultCode, cb.ResultDesc, receipt)
}

// reversalResultPayload is the provider's asynchronous reversal outcome,
// delivered to the dedicated reversal ResultURL.
type reversalResultPayload struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
	} `json:"Result"`
}

// ReversalCallback resolves the pending reversal row recorded at refund time.
// The row is keyed by the ConversationID the provider assigned when the
// reversal was queued.
func (h *CallbackHandler) ReversalCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read callback body")
		return
	}

	var payload reversalResultPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("Malformed reversal result payload (%v), raw body for replay: %s", err, string(raw))
		writeError(w, http.StatusBadRequest, "Invalid callback payload")
		return
	}

	res := payload.Result
	if res.ConversationID == "" {
		log.Printf("Reversal result missing ConversationID, raw body for replay: %s", string(raw))
		writeError(w, http.StatusBadRequest, "Missing ConversationID")
		return
	}

	log.Printf("Reversal result received: conversation=%s, result=%d (%s)", res.ConversationID, res.ResultCode, res.ResultDesc)
	h.applyAndAck(w, r, res.ConversationID, res.ResultCode, res.ResultDesc, res.TransactionID)
}

func (h *CallbackHandler) applyAndAck(w http.ResponseWriter, r *http.Request, checkoutRequestID string, resultCode int, resultDesc, receipt string) {
	applied, err := h.service.ApplyResult(r.Context(), checkoutRequestID, resultCode, resultDesc, receipt)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			// Can legitimately race the ledger insert; the provider will
			// redeliver.
			log.Printf("Callback for unknown checkout %s", checkoutRequestID)
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		if errors.Is(err, services.ErrConflict) {
			// Anomaly already logged by the ledger; ack so the provider
			// stops redelivering.
			h.ack(w)
			return
		}
		log.Printf("Callback processing failed for %s: %v", checkoutRequestID, err)
		h.ack(w)
		return
	}

	if !applied {
		log.Printf("Callback for %s was a duplicate, no transition applied", checkoutRequestID)
	}
	h.ack(w)
}

// TimeoutCallback is the reversal queue-timeout sink.
func (h *CallbackHandler) TimeoutCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read callback body")
		return
	}
	log.Printf("Queue timeout callback received: %s", string(raw))
	h.ack(w)
}

func (h *CallbackHandler) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{"ResultCode": 0, "ResultDesc": "Accepted"})
}
