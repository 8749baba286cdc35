package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"gemchat/internal/auth"
	"gemchat/internal/config"
	"gemchat/internal/llm"
	"gemchat/internal/metrics"
	"gemchat/internal/scheduler"
	"gemchat/internal/server"
	"gemchat/internal/storage"
	"gemchat/internal/store"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	cfg := config.New()

	userRepo, err := auth.NewFileRepository(cfg.UsersFilePath)
	if err != nil {
		log.Fatalf("failed to init user repo: %v", err)
	}
	authSvc, err := auth.NewWithRepo(userRepo)
	if err != nil {
		log.Fatalf("failed to init auth: %v", err)
	}

	var google *auth.GoogleAuthenticator
	if cfg.GoogleClientID != "" {
		google = auth.NewGoogleAuthenticator(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL, authSvc)
	}

	st, err := store.NewBolt(cfg.StorePath)
	if err != nil {
		log.Fatalf("failed to open conversation store: %v", err)
	}
	defer st.Close()

	factory := llm.NewFactory(cfg)
	llmClient, err := factory.CreateClient(string(cfg.LLMProvider))
	if err != nil {
		log.Fatalf("failed to create llm client: %v", err)
	}

	var rec storage.Recorder
	if cfg.LogFilePath != "" {
		fr, err := storage.NewFileRecorder(cfg.LogFilePath)
		if err != nil {
			log.Printf("failed to init file recorder: %v", err)
		} else {
			rec = fr
		}
	}

	met := metrics.New(prometheus.DefaultRegisterer)

	sched := scheduler.New()
	sched.SetPruneFunction(func(ctx context.Context) error {
		return scheduler.PruneConversations(ctx, st, cfg.MaxChatsPerUser)
	})
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	srv := server.New(cfg, authSvc, google, st, llmClient, rec, met)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Println("shutting down")
		if err := srv.Stop(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server exited: %v", err)
	}
}
