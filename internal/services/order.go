package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/campusmart/mpesapay-gobackend/internal/models"
)

// OrderService is the Mongo-backed order store collaborator. The marketplace
// owns order lifecycle; the payment core only reads totals and flips the paid
// flag.
type OrderService struct {
	collection *mongo.Collection
}

func NewOrderService(db *mongo.Database) *OrderService {
	return &OrderService{collection: db.Collection("orders")}
}

// GetOrderTotal returns the amount due for an order, rejecting orders that
// are already paid.
func (s *OrderService) GetOrderTotal(ctx context.Context, orderID string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var order models.Order
	if err := s.collection.FindOne(ctx, bson.M{"reference": orderID}).Decode(&order); err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, fmt.Errorf("order %s not found", orderID)
		}
		return 0, fmt.Errorf("failed to fetch order %s: %w", orderID, err)
	}
	if order.PaymentStatus {
		return 0, fmt.Errorf("order %s is already paid", orderID)
	}
	return order.TotalAmount, nil
}

// MarkOrderPaid flips the order's paid flag and moves it into processing.
func (s *OrderService) MarkOrderPaid(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := s.collection.UpdateOne(ctx,
		bson.M{"reference": orderID},
		bson.M{"$set": bson.M{
			"payment_status": true,
			"status":         "processing",
			"updated_at":     time.Now(),
		}})
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", orderID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("order %s not found", orderID)
	}
	log.Printf("Order %s marked paid", orderID)
	return nil
}
