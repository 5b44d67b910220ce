package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/scof256/hellodoctor-sub007/internal/agent"
	"github.com/scof256/hellodoctor-sub007/internal/config"
	"github.com/scof256/hellodoctor-sub007/internal/consultation"
	"github.com/scof256/hellodoctor-sub007/internal/platform/telegram"
	"github.com/scof256/hellodoctor-sub007/internal/report"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load(os.Getenv("HELLODOCTOR_CONFIG"))
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// 1. Infrastructure
	db := connectDB(cfg.Database.URL, logger)
	var repo consultation.Repository
	if db != nil {
		defer db.Close()
		runMigrations(cfg.Database.Migrations, cfg.Database.URL, logger)
		repo = consultation.NewRepository(db)
	}

	// 2. Clients
	if cfg.DeepSeek.APIKey == "" {
		logger.Println("Warning: DeepSeek API key is not set. Turns will fail with configuration_error.")
	}
	generator := agent.NewDeepSeekClient(agent.DeepSeekConfig{
		APIKey:  cfg.DeepSeek.APIKey,
		BaseURL: cfg.DeepSeek.BaseURL,
		Model:   cfg.DeepSeek.Model,
		Timeout: cfg.DeepSeek.Timeout,
	})

	var stt agent.Transcriber
	if cfg.Speech.STTURL != "" {
		stt = agent.NewWhisperClient(cfg.Speech.STTURL)
	}
	var tts agent.Synthesizer
	if cfg.Speech.TTSAPIKey != "" {
		tts = agent.NewElevenLabsClient(cfg.Speech.TTSAPIKey)
	}

	var reportSvc consultation.ReportService
	if cfg.Telegram.Token != "" && cfg.Telegram.DoctorChatID != 0 {
		tgClient := telegram.NewClient(cfg.Telegram.Token)
		reportSvc = report.NewService(tgClient, cfg.Telegram.DoctorChatID, cfg.Telegram.FontPaths, logger)
	} else {
		logger.Println("Warning: Telegram token or doctor chat id is not set. Handover reports will not be sent.")
	}

	// 3. Services
	prompts := consultation.DefaultPromptBook()
	if cfg.Intake.PromptsFile != "" {
		data, err := os.ReadFile(cfg.Intake.PromptsFile)
		if err != nil {
			logger.Fatalf("Failed to read prompt book: %v", err)
		}
		if prompts, err = consultation.LoadPromptBook(data); err != nil {
			logger.Fatalf("Invalid prompt book: %v", err)
		}
	}

	caller := agent.NewCaller(generator, agent.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
	}, agent.WallClock, logger)
	engine := consultation.NewEngine(caller, cfg.Intake.Limits, cfg.Intake.Weights, cfg.Intake.CompletionPhrases, prompts)

	consultationSvc := consultation.NewService(repo, engine, stt, tts, reportSvc, logger)
	consultationHandler := consultation.NewHandler(consultationSvc)

	// 4. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api", func(r chi.Router) {
		consultation.RegisterRoutes(r, consultationHandler)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Shutdown error: %v", err)
		}
	}()

	logger.Printf("Server starting on port %s...", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
}

// connectDB retries until the database answers. Without it the server still
// runs stateless turns; session endpoints report configuration_error.
func connectDB(url string, logger *log.Logger) *sql.DB {
	var db *sql.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sql.Open("postgres", url)
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			logger.Println("Connected to Database.")
			return db
		}
		if db != nil {
			db.Close()
		}
		logger.Printf("Waiting for DB... (%d/10)", i+1)
		time.Sleep(2 * time.Second)
	}
	logger.Printf("Could not connect to DB: %v. Continuing without session storage.", err)
	return nil
}

func runMigrations(source, url string, logger *log.Logger) {
	m, err := migrate.New(source, url)
	if err != nil {
		logger.Printf("Migration init failed: %v", err)
		return
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Printf("Migration up failed: %v", err)
		return
	}
	logger.Println("Migrations applied successfully!")
}

// cors lets the browser frontend call the API.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}
