package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/mux"

	"github.com/campusmart/mpesapay-gobackend/internal/models"
	"github.com/campusmart/mpesapay-gobackend/internal/mpesa"
	"github.com/campusmart/mpesapay-gobackend/internal/services"
)

// PaymentService is what the HTTP layer needs from the transaction ledger.
type PaymentService interface {
	InitiatePayment(ctx context.Context, userID, orderID, phone string) (*models.Transaction, error)
	GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error)
	Reconcile(ctx context.Context, tx *models.Transaction) (bool, error)
	ListByUser(ctx context.Context, userID string, statusFilter, startDate, endDate *string) ([]models.Transaction, error)
	Refund(ctx context.Context, userID, transactionID string, amount float64, remarks string) (*models.Transaction, error)
}

type PaymentHandler struct {
	service     PaymentService
	jwtSecret   []byte
	pollTimeout time.Duration
}

func NewPaymentHandler(service PaymentService, jwtSecret []byte, pollTimeout time.Duration) *PaymentHandler {
	return &PaymentHandler{service: service, jwtSecret: jwtSecret, pollTimeout: pollTimeout}
}

// writeError sends a JSON error body. Messages are marshalled, not
// interpolated, so quotes in error text cannot corrupt the response.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		log.Printf("Failed to encode error response: %v", err)
	}
}

// authenticate verifies the bearer JWT and returns the caller's user id.
func (h *PaymentHandler) authenticate(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("authorization header required")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("invalid user_id in token")
	}
	return userID, nil
}

// InitiatePayment starts an STK push for an order.
func (h *PaymentHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req struct {
		OrderID     string `json:"order_id"`
		PhoneNumber string `json:"phone_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required")
		return
	}

	tx, err := h.service.InitiatePayment(r.Context(), userID, req.OrderID, req.PhoneNumber)
	if err != nil {
		log.Printf("Failed to initiate payment for order %s: %v", req.OrderID, err)
		var validationErr *mpesa.ValidationError
		if errors.As(err, &validationErr) {
			writeError(w, http.StatusBadRequest, validationErr.Error())
			return
		}
		var gatewayErr *mpesa.GatewayError
		if errors.As(err, &gatewayErr) {
			writeError(w, http.StatusBadGateway, "Payment initiation rejected: "+gatewayErr.Reason)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to initiate payment: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(tx); err != nil {
		log.Printf("Failed to encode transaction: %v", err)
	}
}

// GetStatus returns the current state of a transaction. A transaction still
// pending past the poll window is reconciled synchronously first, so callers
// are not left waiting on a callback that may never arrive.
func (h *PaymentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	checkoutID := mux.Vars(r)["checkoutID"]
	if checkoutID == "" {
		writeError(w, http.StatusBadRequest, "Checkout request ID is required")
		return
	}

	tx, err := h.service.GetByCheckoutID(r.Context(), checkoutID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		log.Printf("Failed to fetch transaction %s: %v", checkoutID, err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch transaction: "+err.Error())
		return
	}
	if tx.UserID != userID {
		writeError(w, http.StatusForbidden, "Unauthorized to view this transaction")
		return
	}

	if tx.Status == models.StatusPending && time.Since(tx.CreatedAt) > h.pollTimeout {
		if applied, err := h.service.Reconcile(r.Context(), tx); err != nil {
			log.Printf("Synchronous reconcile failed for %s: %v", checkoutID, err)
		} else if applied {
			if refreshed, err := h.service.GetByCheckoutID(r.Context(), checkoutID); err == nil {
				tx = refreshed
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tx); err != nil {
		log.Printf("Failed to encode transaction: %v", err)
	}
}

// ListTransactions returns the caller's payment history with optional status
// and date-range filters.
func (h *PaymentHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	statusFilter := r.URL.Query().Get("status")
	startDate := r.URL.Query().Get("start_date")
	endDate := r.URL.Query().Get("end_date")

	var statusPtr, startDatePtr, endDatePtr *string
	if statusFilter != "" {
		statusPtr = &statusFilter
	}
	if startDate != "" {
		startDatePtr = &startDate
	}
	if endDate != "" {
		endDatePtr = &endDate
	}

	txs, err := h.service.ListByUser(r.Context(), userID, statusPtr, startDatePtr, endDatePtr)
	if err != nil {
		log.Printf("Failed to fetch transactions for user %s: %v", userID, err)
		writeError(w, http.StatusBadRequest, "Failed to fetch transactions: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(txs); err != nil {
		log.Printf("Failed to encode transactions: %v", err)
	}
}

// Refund reverses a completed transaction. The ledger rejects callers that do
// not own the transaction.
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req struct {
		TransactionID string  `json:"transaction_id"`
		Amount        float64 `json:"amount"`
		Remarks       string  `json:"remarks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}
	if req.Remarks == "" {
		req.Remarks = "Order refund"
	}

	reversal, err := h.service.Refund(r.Context(), userID, req.TransactionID, req.Amount, req.Remarks)
	if err != nil {
		log.Printf("Failed to refund transaction %s: %v", req.TransactionID, err)
		if errors.Is(err, services.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		if errors.Is(err, services.ErrForbidden) {
			writeError(w, http.StatusForbidden, "Unauthorized to refund this transaction")
			return
		}
		var refundErr *mpesa.RefundError
		if errors.As(err, &refundErr) {
			writeError(w, http.StatusBadGateway, refundErr.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to refund: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(reversal); err != nil {
		log.Printf("Failed to encode reversal: %v", err)
	}
}
