// Package main is the MedVision CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/medvision/internal/batch"
	"github.com/hyperjump/medvision/internal/config"
	"github.com/hyperjump/medvision/internal/extract"
	"github.com/hyperjump/medvision/internal/keyword"
	"github.com/hyperjump/medvision/internal/pipeline"
	"github.com/hyperjump/medvision/internal/report"
	"github.com/hyperjump/medvision/internal/server"
	"github.com/hyperjump/medvision/internal/storage"
	"github.com/hyperjump/medvision/internal/watcher"
	"github.com/hyperjump/medvision/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/medvision/config.yaml"

// loadConfig loads config from path. When path is the default and a
// config.yaml exists in the current directory, that file is used instead.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(fallback); err == nil {
				path = fallback
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	// A missing .env is normal; variables may come from the environment.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	var err error
	switch command := os.Args[1]; command {
	case "server":
		err = runServer(os.Args[2:])
	case "analyze":
		err = runAnalyze(os.Args[2:])
	case "sessions":
		err = runSessions(os.Args[2:])
	case "checkpoint":
		err = runCheckpoint(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("medvision version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Components holds initialized services.
type Components struct {
	Storage   storage.Storage
	Images    *storage.ImageStore
	Index     keyword.SessionIndex
	Batch     *batch.Service
	Prompts   *report.Prompts
	Reports   report.Generator
	Extractor *extract.Extractor
}

// Close releases everything that was opened.
func (c *Components) Close() {
	if c.Batch != nil {
		_ = c.Batch.Close()
	}
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

// initializeComponents opens storage and the search index and prepares the
// lazily loaded vision model. A missing report API key only disables reports.
func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	logger = utils.OrNop(logger)
	c := &Components{}
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store

	images, err := storage.NewImageStore(cfg.Storage.SessionsDir)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Images = images

	idx, err := keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize session index: %w", err)
	}
	c.Index = idx

	vision := cfg.Vision
	c.Batch = batch.NewService(func() (pipeline.Processor, error) {
		return pipeline.NewModel(&vision, logger)
	}, cfg.Batch.MaxImages, logger)

	c.Prompts = report.NewPrompts(cfg.Prompts, cfg.Report.DefaultTemplate)
	gen, err := report.NewGenerator(&cfg.Report, c.Prompts, logger)
	if err != nil {
		logger.Warn("Report generation disabled", zap.String("provider", cfg.Report.Provider), zap.Error(err))
	} else {
		c.Reports = gen
	}
	c.Extractor = extract.NewExtractor(0)
	return c, nil
}

// setup loads config and logger and initializes components for a subcommand.
func setup(configPath string, debug bool) (*config.Config, *zap.Logger, *Components, error) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	return cfg, logger, components, nil
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	preload := fs.Bool("preload", false, "load the vision model before accepting requests")
	_ = fs.Parse(args)

	cfg, logger, components, err := setup(*configPath, *debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer components.Close()

	if *preload {
		if _, err := components.Batch.Model(); err != nil {
			logger.Error("Vision model failed to load; requests will retry", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var inbox *watcher.Inbox
	if len(cfg.Watch.Directories) > 0 {
		inbox = watcher.NewInbox(&cfg.Watch, components.Batch, components.Storage, components.Images, components.Index, logger)
		if err := inbox.Start(ctx); err != nil {
			return err
		}
		defer inbox.Stop()
	}

	srv := server.NewServer(server.Deps{
		Batch:     components.Batch,
		Reports:   components.Reports,
		Prompts:   components.Prompts,
		Storage:   components.Storage,
		Images:    components.Images,
		Index:     components.Index,
		Extractor: components.Extractor,
	}, cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}

func printUsage() {
	fmt.Println(`medvision - Medical image analysis with a vision-language pipeline

Usage:
  medvision server [flags]                 Start the HTTP server (and inbox watcher)
  medvision analyze [flags] <image>...     Run the vision pipeline on images
  medvision sessions list [flags]          List stored sessions
  medvision sessions show <id>             Show one session
  medvision sessions delete <id>           Delete a session and its images
  medvision sessions search [flags] <q>    Search sessions
  medvision sessions export [flags]        Export sessions to an xlsx workbook
  medvision checkpoint inspect <path>      List the tensors of a checkpoint
  medvision checkpoint synth [flags] <path>  Write a synthetic checkpoint for smoke tests
  medvision version                        Show version
  medvision help                           Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/medvision/config.yaml)
  --debug            Enable debug logging
  --output string    Output format: text or json (default: text)

Server Flags:
  --preload          Load the vision model at startup

Analyze Flags:
  --report           Generate a report with the configured provider
  --save             Store the result as a session
  --patient-name, --patient-age, --patient-gender, --exam-type, --language,
  --template, --context, --referral <file>

Checkpoint Flags:
  --backbone, --image-size, --patch-size, --vision-hidden, --llm-hidden
                     Geometry to check against or synthesize
  --seed int         Random seed for synth (default: 1)
  --force            Overwrite an existing file

Examples:
  medvision server
  medvision analyze chest.png
  medvision analyze --report --exam-type "Chest X-ray" --language German chest.png lateral.png
  medvision sessions list --limit 20
  medvision sessions export --out sessions.xlsx
  medvision checkpoint inspect minigpt-med.safetensors`)
}
