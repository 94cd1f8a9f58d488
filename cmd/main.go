/**
 * @description
 * This is the main entry point for the payment-service. It is responsible for
 * initializing all components of the service, including configuration,
 * database connection, the per-profile QPay gateway clients, the message
 * broker producer, the repository, the core application service, and the
 * HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: For the payment-check rate limiter.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/qpay: Client for the QPay merchant API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/setgelsudlal/payment-service/internal/api"
	"github.com/setgelsudlal/payment-service/internal/app"
	"github.com/setgelsudlal/payment-service/internal/config"
	"github.com/setgelsudlal/payment-service/internal/store"
	"github.com/setgelsudlal/payment-service/pkg/qpay"
	rmrabbit "github.com/setgelsudlal/payment-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	testProfile := cfg.TestProfile()
	if !testProfile.Configured() {
		log.Fatalf("level=fatal component=bootstrap msg=\"test credential profile must be configured\" env=QPAY_TEST_CLIENT_ID")
	}

	log.Printf("level=info component=bootstrap msg=\"starting payment-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish fulfillment and refund
	// events. This service only publishes, so a producer is enough; a broker
	// outage degrades to the no-op fallback rather than blocking payments.
	var eventProducer rmrabbit.Publisher
	if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.PaymentEventExchange); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &rmrabbit.EventProducerFallback{}
	} else {
		defer producer.Close()
		eventProducer = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Build one QPay client per credential profile. An unconfigured course
	// profile falls back to test credentials so course purchases stay
	// functional in pre-production environments; the fallback is logged here
	// and on every course invoice.
	testClient := qpay.NewClient(qpay.Config{
		BaseURL:      testProfile.BaseURL,
		ClientID:     testProfile.ClientID,
		ClientSecret: testProfile.ClientSecret,
		InvoiceCode:  testProfile.InvoiceCode,
		CallbackURL:  testProfile.CallbackURL,
	})

	courseProfile := cfg.CourseProfile()
	courseFallback := !courseProfile.Configured()
	var courseClient *qpay.Client
	if courseFallback {
		log.Println("level=warn component=bootstrap msg=\"course credential profile not configured; falling back to test credentials\" env=QPAY_COURSE_CLIENT_ID")
		courseClient = testClient
	} else {
		courseClient = qpay.NewClient(qpay.Config{
			BaseURL:      courseProfile.BaseURL,
			ClientID:     courseProfile.ClientID,
			ClientSecret: courseProfile.ClientSecret,
			InvoiceCode:  courseProfile.InvoiceCode,
			CallbackURL:  courseProfile.CallbackURL,
		})
	}

	// Optional Redis client for payment-check rate limiting.
	var redisClient *redis.Client
	if cfg.PaymentCheckRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; payment-check rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; payment-check rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; payment-check rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	paymentService := app.NewService(
		repository,
		testClient,
		courseClient,
		courseFallback,
		eventProducer,
		cfg.FallbackInvoiceAmount,
	)
	if redisClient != nil {
		paymentService.SetPollRateLimiter(
			app.NewRedisPollRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.PaymentCheckRateLimitPerMinute,
		)
	}

	// Initialize the API handlers.
	paymentHandlers := api.NewPaymentHandlers(paymentService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/payments", api.PaymentRoutes(paymentHandlers, cfg.AdminJWKSURL))

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
