package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/campusmart/mpesapay-gobackend/internal/config"
	"github.com/campusmart/mpesapay-gobackend/internal/db"
	"github.com/campusmart/mpesapay-gobackend/internal/handlers"
	"github.com/campusmart/mpesapay-gobackend/internal/mpesa"
	"github.com/campusmart/mpesapay-gobackend/internal/services"
)

func main() {
	// Load .env
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Error loading .env: %s", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.MongoURI == "" {
		log.Fatal("MONGOURI environment variable not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := db.Connect(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			log.Printf("Error disconnecting from MongoDB: %v", err)
		}
	}()

	database := client.Database("campuspaydb")

	// Initialize services and handlers
	gateway := mpesa.NewClient(cfg)
	orderService := services.NewOrderService(database)
	transactionService := services.NewTransactionService(database, gateway, orderService, cfg)
	if err := transactionService.EnsureIndexes(ctx); err != nil {
		log.Fatalf("Failed to create indexes: %v", err)
	}

	paymentHandler := handlers.NewPaymentHandler(transactionService, cfg.JWTSecret, cfg.PollTimeout)
	callbackHandler := handlers.NewCallbackHandler(transactionService)

	// Background fallback for undelivered callbacks
	reconciler := services.NewReconciler(transactionService, cfg.PollTimeout)
	go reconciler.Run(ctx)

	// Set up router
	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/payment/initiate", paymentHandler.InitiatePayment).Methods("POST")
	router.HandleFunc("/api/payment/status/{checkoutID}", paymentHandler.GetStatus).Methods("GET")
	router.HandleFunc("/api/payment/transactions", paymentHandler.ListTransactions).Methods("GET")
	router.HandleFunc("/api/payment/refund", paymentHandler.Refund).Methods("POST")

	// Provider webhooks, no session auth by protocol necessity
	router.HandleFunc("/api/payment/mpesa-callback", callbackHandler.StkCallback).Methods("POST")
	router.HandleFunc("/api/payment/reversal-callback", callbackHandler.ReversalCallback).Methods("POST")
	router.HandleFunc("/api/payment/timeout-callback", callbackHandler.TimeoutCallback).Methods("POST")

	// Start server
	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server running on port %s (%s environment)", cfg.Port, cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}
