package services

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	reconcilerBatchSize   = 100
	reconcilerMaxInFlight = 8
)

// Reconciler is the background fallback for undelivered callbacks: it sweeps
// transactions stuck in pending past the poll window and resolves them via
// the provider's status query.
type Reconciler struct {
	txs      *TransactionService
	interval time.Duration
}

func NewReconciler(txs *TransactionService, interval time.Duration) *Reconciler {
	return &Reconciler{txs: txs, interval: interval}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("Reconciler running every %s", r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("Reconciler stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	txs, err := r.txs.StalePending(ctx, reconcilerBatchSize)
	if err != nil {
		log.Printf("Reconciler sweep failed: %v", err)
		return
	}
	if len(txs) == 0 {
		return
	}
	log.Printf("Reconciling %d stale pending transactions", len(txs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcilerMaxInFlight)
	for i := range txs {
		tx := txs[i]
		g.Go(func() error {
			if _, err := r.txs.Reconcile(gctx, &tx); err != nil {
				log.Printf("Reconcile failed for %s: %v", tx.CheckoutRequestID, err)
			}
			return nil
		})
	}
	g.Wait()
}
