package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/reasonchat/internal/handlers"
	"github.com/MegaGrindStone/reasonchat/internal/services"
	"gopkg.in/yaml.v3"
)

// store is a handlers.Store that holds resources until closed.
type store interface {
	handlers.Store
	Close() error
}

func main() {
	cfgFlag := flag.String("config", "", "path to the config file (default $XDG_CONFIG_HOME/reasonchat/config.yaml)")
	flag.Parse()

	cfgFilePath, err := configPath(*cfgFlag)
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := loadConfig(cfgFilePath)
	if err != nil {
		log.Fatal(err)
	}
	cfg.applyDefaults(filepath.Dir(cfgFilePath))

	logger, closeLog, err := services.NewLogger(cfg.Log)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating logger: %w", err))
	}
	defer func() { _ = closeLog() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped", slog.String("err", err.Error()))
		_ = closeLog()
		os.Exit(1)
	}
}

func configPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "reasonchat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return filepath.Join(cfgPath, "config.yaml"), nil
}

func loadConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func run(cfg config, logger *slog.Logger) error {
	llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating llm: %w", err)
	}

	var titleGen handlers.TitleGenerator
	if cfg.TitleGeneratorPrompt != "" {
		titleGen, err = cfg.LLM.titleGen(cfg.TitleGeneratorPrompt, logger)
		if err != nil {
			return fmt.Errorf("error creating title generator: %w", err)
		}
	}

	searcher, err := cfg.Search.searcher(logger)
	if err != nil {
		return fmt.Errorf("error creating searcher: %w", err)
	}

	db, err := cfg.Store.open(context.Background())
	if err != nil {
		return fmt.Errorf("error opening %s store: %w", cfg.Store.Type, err)
	}
	defer db.Close()

	m, err := handlers.NewMain(llm, titleGen, searcher, db, handlers.Options{
		Renderer:    cfg.Renderer.Options,
		MaxDuration: cfg.Renderer.MaxDuration,
	}, logger)
	if err != nil {
		return err
	}

	router, err := handlers.NewRouter(m, logger)
	if err != nil {
		return err
	}

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("store", cfg.Store.Type),
			slog.Bool("search", searcher != nil))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}

	return nil
}
