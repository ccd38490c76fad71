package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"caseflow/backend/features/contact"
	"caseflow/backend/features/job"
	"caseflow/backend/features/stats"
	"caseflow/backend/internal/config"
	"caseflow/backend/internal/middleware"
	"caseflow/backend/internal/parameter"
	"caseflow/backend/internal/queue"
	"caseflow/backend/internal/worker"
)

type App struct {
	Handler    http.Handler
	JobService *job.Service
	Scheduler  *worker.Scheduler
	port       int
}

func New(
	cfg *config.Config,
	db *sql.DB,
	q queue.Queue,
	params parameter.Store,
	logger *slog.Logger,
) (*App, error) {
	policy := job.RetryPolicy{
		MinInterval: cfg.JobMinRetryInterval,
		Overrides: map[job.Type]time.Duration{
			job.TypeScrubTranscript: cfg.JobScrubRetryInterval,
		},
	}

	// Feature: Contact
	contactRepo := contact.NewPostgresRepo(db)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, contactRepo, policy, cfg.JobMaxAttempts, logger)
	jobHandler := job.NewHandler(jobService)

	// Feature: Stats
	statsHandler := stats.NewHandler(jobRepo)

	// Worker graph
	publisher := worker.NewPublisher(q, params, cfg.Environment, cfg.TranscriptBucket, cfg.JobMaxAttempts, logger)
	completions := worker.NewCompletionProcessor(q, jobRepo, contactRepo, cfg.JobCompletedQueue, cfg.JobCompletionBatchSize, cfg.JobMaxAttempts, logger)
	scheduler := worker.NewScheduler(completions, jobRepo, publisher, worker.SchedulerConfig{
		Interval:    cfg.JobSweepInterval,
		MaxAttempts: cfg.JobMaxAttempts,
		Policy:      policy,
	}, logger)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("GET /jobs/{id}", middleware.CorrelationID(enableCORS(jobHandler.Get)))
	mux.Handle("GET /contacts/{id}/jobs", middleware.CorrelationID(enableCORS(jobHandler.ListByContact)))
	mux.Handle("POST /contacts/{id}/jobs", middleware.CorrelationID(enableCORS(jobHandler.Create)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8081
	}

	return &App{
		Handler:    mux,
		JobService: jobService,
		Scheduler:  scheduler,
		port:       port,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
