package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/campusmart/mpesapay-gobackend/internal/config"
	"github.com/campusmart/mpesapay-gobackend/internal/models"
	"github.com/campusmart/mpesapay-gobackend/internal/mpesa"
)

var (
	// ErrNotFound means no transaction matches the given identifier.
	ErrNotFound = errors.New("transaction not found")
	// ErrConflict means a reconciliation path tried to overwrite an
	// already-terminal status with a different outcome. The stored status is
	// preserved.
	ErrConflict = errors.New("conflicting terminal status")
	// ErrForbidden means the caller does not own the transaction it is
	// acting on.
	ErrForbidden = errors.New("transaction belongs to another user")
)

// Gateway is the slice of the M-Pesa client the ledger needs.
type Gateway interface {
	STKPush(ctx context.Context, phone string, amount float64, reference, description string) (*mpesa.STKPushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
	Reverse(ctx context.Context, transactionID string, amount float64, remarks string) (*mpesa.ReversalResult, error)
}

// OrderStore is the marketplace collaborator the payment core consumes.
type OrderStore interface {
	GetOrderTotal(ctx context.Context, orderID string) (float64, error)
	MarkOrderPaid(ctx context.Context, orderID string) error
}

// transitionStore is the slice of the collection that terminal-state writes
// go through. Split out so the guard and discrimination logic in ApplyResult
// is testable without a live Mongo deployment.
type transitionStore interface {
	// applyGuarded conditionally updates the row for checkoutRequestID if
	// its current status is in allowed, returning the updated row, or
	// mongo.ErrNoDocuments if no row matched the guard.
	applyGuarded(ctx context.Context, checkoutRequestID string, allowed []string, set bson.M) (*models.Transaction, error)
	// byCheckoutID fetches the row unconditionally, mongo.ErrNoDocuments if
	// absent.
	byCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error)
}

type mongoTransitionStore struct {
	collection *mongo.Collection
}

func (m *mongoTransitionStore) applyGuarded(ctx context.Context, checkoutRequestID string, allowed []string, set bson.M) (*models.Transaction, error) {
	filter := bson.M{
		"checkout_request_id": checkoutRequestID,
		"status":              bson.M{"$in": allowed},
	}
	var updated models.Transaction
	err := m.collection.FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&updated)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (m *mongoTransitionStore) byCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := m.collection.FindOne(ctx, bson.M{"checkout_request_id": checkoutRequestID}).Decode(&tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// TransactionService is the ledger: one row per checkout attempt, with all
// terminal-state writes funneled through ApplyResult.
type TransactionService struct {
	collection  *mongo.Collection
	transitions transitionStore
	gateway     Gateway
	orders      OrderStore
	cfg         *config.Config
}

func NewTransactionService(db *mongo.Database, gateway Gateway, orders OrderStore, cfg *config.Config) *TransactionService {
	collection := db.Collection("transactions")
	return &TransactionService{
		collection:  collection,
		transitions: &mongoTransitionStore{collection: collection},
		gateway:     gateway,
		orders:      orders,
		cfg:         cfg,
	}
}

// EnsureIndexes creates the indexes the ledger queries depend on.
func (s *TransactionService) EnsureIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{Keys: bson.M{"checkout_request_id": 1}, Options: options.Index().SetUnique(true)},
		{Keys: bson.M{"transaction_id": 1}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		log.Printf("Failed to create transaction indexes: %v", err)
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// InitiatePayment pushes a payment prompt for an order and records exactly
// one pending transaction. If the push fails nothing is recorded and the
// error is returned synchronously.
func (s *TransactionService) InitiatePayment(ctx context.Context, userID, orderID, phone string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	normalized, err := mpesa.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	amount, err := s.orders.GetOrderTotal(ctx, orderID)
	if err != nil {
		log.Printf("Failed to resolve order %s: %v", orderID, err)
		return nil, fmt.Errorf("failed to resolve order: %w", err)
	}

	reference := "Order-" + orderID
	description := "Order payment"

	result, err := s.gateway.STKPush(ctx, normalized, amount, reference, description)
	if err != nil {
		log.Printf("STK push failed for order %s: %v", orderID, err)
		return nil, err
	}

	now := time.Now()
	tx := &models.Transaction{
		TransactionID:     primitive.NewObjectID().Hex(),
		CheckoutRequestID: result.CheckoutRequestID,
		MerchantRequestID: result.MerchantRequestID,
		UserID:            userID,
		OrderID:           orderID,
		Amount:            amount,
		PhoneNumber:       normalized,
		PaymentMethod:     models.PaymentMethodMpesa,
		Status:            models.StatusPending,
		AccountReference:  reference,
		Description:       description,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := s.collection.InsertOne(ctx, tx); err != nil {
		log.Printf("Failed to save transaction for checkout %s: %v", result.CheckoutRequestID, err)
		return nil, fmt.Errorf("failed to save transaction: %w", err)
	}

	log.Printf("Transaction created: checkout=%s, order=%s, amount=%.2f", tx.CheckoutRequestID, orderID, amount)
	return tx, nil
}

// ApplyResult is the single surface through which callbacks and the
// reconciliation poller write terminal statuses. The transition is a
// conditional update guarded on the current status, so duplicate deliveries
// are no-ops and the callback/poller race cannot reach opposite conclusions.
// Returns whether the transition was applied.
func (s *TransactionService) ApplyResult(ctx context.Context, checkoutRequestID string, resultCode int, resultDesc, receipt string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	target := statusForResultCode(resultCode)

	set := bson.M{
		"status":      target,
		"result_desc": resultDesc,
		"updated_at":  time.Now(),
	}
	if receipt != "" {
		set["mpesa_receipt"] = receipt
	}

	updated, err := s.transitions.applyGuarded(ctx, checkoutRequestID, allowedFrom[target], set)
	if err == nil {
		log.Printf("Transaction %s transitioned to %s (result code %d)", checkoutRequestID, target, resultCode)
		if target == models.StatusCompleted {
			s.notifyOrderPaid(ctx, updated)
		}
		return true, nil
	}
	if err != mongo.ErrNoDocuments {
		log.Printf("Failed to update transaction %s: %v", checkoutRequestID, err)
		return false, fmt.Errorf("failed to update transaction: %w", err)
	}

	// No row matched the guard: either unknown checkout id, an idempotent
	// replay, or a genuine conflict.
	current, err := s.transitions.byCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if current.Status == target {
		log.Printf("Transaction %s already %s, ignoring duplicate result", checkoutRequestID, target)
		return false, nil
	}
	log.Printf("ANOMALY: transaction %s is %s, refusing conflicting result %s (code %d)",
		checkoutRequestID, current.Status, target, resultCode)
	return false, fmt.Errorf("%w: stored %s, incoming %s", ErrConflict, current.Status, target)
}

func (s *TransactionService) notifyOrderPaid(ctx context.Context, tx *models.Transaction) {
	if tx.RefundOf != "" {
		// A completed reversal refunds the order, it does not pay it.
		return
	}
	if err := s.orders.MarkOrderPaid(ctx, tx.OrderID); err != nil {
		// The ledger transition already happened; the order store owns its
		// own consistency from here.
		log.Printf("Failed to mark order %s paid for checkout %s: %v", tx.OrderID, tx.CheckoutRequestID, err)
		return
	}
	log.Printf("Order %s marked paid (checkout %s)", tx.OrderID, tx.CheckoutRequestID)
}

// Reconcile actively queries the provider for a transaction that has stayed
// pending past the poll window. Query failures leave the row pending with an
// incremented attempt count; at the attempt budget the row is flagged for
// manual review. Returns whether a transition was applied.
func (s *TransactionService) Reconcile(ctx context.Context, tx *models.Transaction) (bool, error) {
	result, err := s.gateway.QueryStatus(ctx, tx.CheckoutRequestID)
	if err != nil {
		s.recordReconcileFailure(ctx, tx)
		return false, fmt.Errorf("status query failed: %w", err)
	}
	if result.Pending {
		log.Printf("Transaction %s still processing at provider", tx.CheckoutRequestID)
		return false, nil
	}

	applied, err := s.ApplyResult(ctx, tx.CheckoutRequestID, result.ResultCode, result.ResultDesc, "")
	if err != nil && !errors.Is(err, ErrConflict) {
		return false, err
	}
	if errors.Is(err, ErrConflict) {
		// Already resolved by a callback with a different outcome; the
		// anomaly is logged inside ApplyResult and the stored status stands.
		return false, nil
	}
	return applied, nil
}

func (s *TransactionService) recordReconcileFailure(ctx context.Context, tx *models.Transaction) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var updated models.Transaction
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"checkout_request_id": tx.CheckoutRequestID},
		bson.M{"$inc": bson.M{"reconcile_attempts": 1}, "$set": bson.M{"updated_at": time.Now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&updated)
	if err != nil {
		log.Printf("Failed to record reconcile failure for %s: %v", tx.CheckoutRequestID, err)
		return
	}
	if updated.ReconcileAttempts >= s.cfg.MaxReconcileAttempts && !updated.NeedsReview {
		_, err := s.collection.UpdateOne(ctx,
			bson.M{"checkout_request_id": tx.CheckoutRequestID},
			bson.M{"$set": bson.M{"needs_review": true, "updated_at": time.Now()}})
		if err != nil {
			log.Printf("Failed to flag %s for review: %v", tx.CheckoutRequestID, err)
			return
		}
		log.Printf("Transaction %s exhausted %d reconcile attempts, flagged for manual review",
			tx.CheckoutRequestID, updated.ReconcileAttempts)
	}
}

// StalePending returns pending transactions older than the poll window that
// have not been parked for manual review.
func (s *TransactionService) StalePending(ctx context.Context, limit int64) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.PollTimeout)
	// Reversal rows are excluded: they resolve through the reversal result
	// callback, and the STK query endpoint does not know their conversation
	// ids.
	filter := bson.M{
		"status":       models.StatusPending,
		"needs_review": false,
		"refund_of":    bson.M{"$exists": false},
		"created_at":   bson.M{"$lte": cutoff},
	}
	cur, err := s.collection.Find(ctx, filter,
		options.Find().SetSort(bson.M{"created_at": 1}).SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stale transactions: %w", err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode stale transactions: %w", err)
	}
	return txs, nil
}

// GetByCheckoutID looks a transaction up by its provider correlation key.
func (s *TransactionService) GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var tx models.Transaction
	if err := s.collection.FindOne(ctx, bson.M{"checkout_request_id": checkoutRequestID}).Decode(&tx); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	return &tx, nil
}

// ListByUser returns a user's transactions, newest first, with optional
// status and date-range filters.
func (s *TransactionService) ListByUser(ctx context.Context, userID string, statusFilter, startDate, endDate *string) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := bson.M{"user_id": userID}

	if statusFilter != nil && *statusFilter != "" {
		valid := map[string]bool{
			models.StatusPending: true, models.StatusCompleted: true,
			models.StatusFailed: true, models.StatusCancelled: true,
			models.StatusTimeout: true, models.StatusRefunded: true,
		}
		if !valid[*statusFilter] {
			return nil, fmt.Errorf("invalid status filter %q", *statusFilter)
		}
		query["status"] = *statusFilter
	}

	if startDate != nil && *startDate != "" && endDate != nil && *endDate != "" {
		start, err := time.Parse(time.RFC3339, *startDate)
		if err != nil {
			return nil, fmt.Errorf("invalid start_date format: %w", err)
		}
		end, err := time.Parse(time.RFC3339, *endDate)
		if err != nil {
			return nil, fmt.Errorf("invalid end_date format: %w", err)
		}
		query["created_at"] = bson.M{"$gte": start, "$lte": end}
	}

	cur, err := s.collection.Find(ctx, query, options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		log.Printf("Failed to fetch transactions for user %s: %v", userID, err)
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	return txs, nil
}

// Refund reverses a completed transaction on behalf of userID, who must own
// it. The original row is marked refunded with a compare-and-set on
// completed, and a new linked reversal row is recorded; history is never
// rewritten.
func (s *TransactionService) Refund(ctx context.Context, userID, transactionID string, amount float64, remarks string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var tx models.Transaction
	if err := s.collection.FindOne(ctx, bson.M{"transaction_id": transactionID}).Decode(&tx); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if tx.UserID != userID {
		log.Printf("Refund of %s denied: requested by %s, owned by %s", transactionID, userID, tx.UserID)
		return nil, ErrForbidden
	}
	if !canTransition(tx.Status, models.StatusRefunded) {
		return nil, fmt.Errorf("can only refund completed transactions, current status is %s", tx.Status)
	}
	if amount <= 0 || amount > tx.Amount {
		return nil, fmt.Errorf("refund amount must be positive and at most %.2f", tx.Amount)
	}

	providerRef := tx.MpesaReceipt
	if providerRef == "" {
		providerRef = tx.CheckoutRequestID
	}
	result, err := s.gateway.Reverse(ctx, providerRef, amount, remarks)
	if err != nil {
		log.Printf("Reversal failed for transaction %s: %v", transactionID, err)
		return nil, err
	}

	res, err := s.collection.UpdateOne(ctx,
		bson.M{"transaction_id": transactionID, "status": models.StatusCompleted},
		bson.M{"$set": bson.M{"status": models.StatusRefunded, "updated_at": time.Now()}})
	if err != nil {
		return nil, fmt.Errorf("failed to mark transaction refunded: %w", err)
	}
	if res.MatchedCount == 0 {
		log.Printf("ANOMALY: transaction %s left completed state during refund", transactionID)
		return nil, ErrConflict
	}

	now := time.Now()
	reversal := &models.Transaction{
		TransactionID:     primitive.NewObjectID().Hex(),
		CheckoutRequestID: result.ConversationID,
		MerchantRequestID: result.OriginatorConversationID,
		UserID:            tx.UserID,
		OrderID:           tx.OrderID,
		Amount:            amount,
		PhoneNumber:       tx.PhoneNumber,
		PaymentMethod:     models.PaymentMethodMpesa,
		Status:            models.StatusPending,
		AccountReference:  tx.AccountReference,
		Description:       remarks,
		RefundOf:          tx.TransactionID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := s.collection.InsertOne(ctx, reversal); err != nil {
		log.Printf("Failed to record reversal for %s: %v", transactionID, err)
		return nil, fmt.Errorf("failed to record reversal: %w", err)
	}

	log.Printf("Refund queued: transaction=%s, reversal=%s, amount=%.2f", transactionID, reversal.TransactionID, amount)
	return reversal, nil
}
