package models

import (
	"time"
)

// Order is owned by the marketplace; the payment core only reads the total
// and flips payment_status once a transaction completes.
type Order struct {
	Reference     string    `bson:"reference" json:"reference"`
	UserID        string    `bson:"user_id" json:"user_id"`
	TotalAmount   float64   `bson:"total_amount" json:"total_amount"`
	Status        string    `bson:"status" json:"status"` // e.g. "pending", "processing", "shipped"
	PaymentMethod string    `bson:"payment_method" json:"payment_method"`
	PaymentStatus bool      `bson:"payment_status" json:"payment_status"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}
