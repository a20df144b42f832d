package models

import (
	"time"
)

// Transaction statuses. Terminal: completed, failed, cancelled, refunded.
// timeout is soft-terminal: a late callback may still resolve it.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
	StatusRefunded  = "refunded"
)

const (
	PaymentMethodMpesa = "mpesa"
	PaymentMethodCash  = "cash"
)

// Transaction is one payment attempt. checkout_request_id is assigned by the
// provider at push time, is unique, and is the correlation key for callbacks
// and status queries.
type Transaction struct {
	TransactionID     string    `bson:"transaction_id" json:"transaction_id"`
	CheckoutRequestID string    `bson:"checkout_request_id" json:"checkout_request_id"`
	MerchantRequestID string    `bson:"merchant_request_id,omitempty" json:"merchant_request_id,omitempty"`
	UserID            string    `bson:"user_id" json:"user_id"`
	OrderID           string    `bson:"order_id" json:"order_id"`
	Amount            float64   `bson:"amount" json:"amount"`
	PhoneNumber       string    `bson:"phone_number" json:"phone_number"`
	PaymentMethod     string    `bson:"payment_method" json:"payment_method"`
	Status            string    `bson:"status" json:"status"`
	AccountReference  string    `bson:"account_reference" json:"account_reference"`
	Description       string    `bson:"description" json:"description"`
	MpesaReceipt      string    `bson:"mpesa_receipt,omitempty" json:"mpesa_receipt,omitempty"`
	ResultDesc        string    `bson:"result_desc,omitempty" json:"result_desc,omitempty"`
	ReconcileAttempts int       `bson:"reconcile_attempts" json:"reconcile_attempts"`
	NeedsReview       bool      `bson:"needs_review" json:"needs_review"`
	RefundOf          string    `bson:"refund_of,omitempty" json:"refund_of,omitempty"`
	CreatedAt         time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at" json:"updated_at"`
}
