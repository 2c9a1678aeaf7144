package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/hyperbrowserai/cdpdrive/pkg/config"
	"github.com/hyperbrowserai/cdpdrive/pkg/driver"
	"github.com/hyperbrowserai/cdpdrive/pkg/frames"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	attach := flag.String("attach", "", "Attach to a running browser (HTTP debugger endpoint or ws:// URL)")
	navigateURL := flag.String("url", "", "Navigate to this URL after connecting")
	headless := flag.Bool("headless", true, "Run a launched browser headless")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	// Determine config path
	if *configPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get user home directory: %v", err)
		}
		*configPath = filepath.Join(homeDir, ".cdpdrive", "config.json")
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Warning: Failed to load config: %v", err)
		log.Printf("Using default configuration")
		cfg = config.DefaultConfig()
	}
	cfg.Headless = *headless

	logger, err := buildLogger(cfg.LogLevel, *verbose)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	d := driver.New(cfg, logger)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectTimeout)*time.Second)
	defer cancel()

	endpoint := *attach
	if endpoint == "" {
		endpoint = cfg.RemoteURL
	}
	if endpoint == "" {
		// Try environment variable
		endpoint = os.Getenv("CDPDRIVE_REMOTE_URL")
	}
	if endpoint != "" {
		err = d.Attach(ctx, endpoint)
	} else {
		err = d.Launch(ctx)
	}
	if err != nil {
		log.Fatalf("Failed to connect to browser: %v", err)
	}
	defer d.Close()

	if *navigateURL != "" {
		if err := d.Navigate(ctx, *navigateURL); err != nil {
			log.Fatalf("Navigation failed: %v", err)
		}
	}

	mgr := frames.NewManager(d.Conn(), d.Page(), logger)
	if err := mgr.EnsureInitialized(ctx); err != nil {
		log.Fatalf("Failed to initialize frame tracking: %v", err)
	}

	printFrames(mgr.Graph().Snapshot())
}

func buildLogger(level string, verbose bool) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if verbose {
		level = "debug"
	}
	switch level {
	case "debug":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zapCfg.Build()
}

// printFrames renders the tracked frame graph.
func printFrames(records []frames.Record) {
	header := color.New(color.FgCyan, color.Bold)
	header.Println("Tracked frames:")

	indexColor := color.New(color.FgGreen)
	sessionColor := color.New(color.FgYellow)
	for _, rec := range records {
		indexColor.Printf("  [%d] ", rec.Index)
		fmt.Printf("%s", rec.FrameID)
		if rec.URL != "" {
			fmt.Printf("  %s", rec.URL)
		}
		if rec.SessionID != "" {
			sessionColor.Printf("  session=%s", rec.SessionID)
		}
		if rec.ParentFrameID != "" {
			fmt.Printf("  parent=%s", rec.ParentFrameID)
		}
		fmt.Println()
	}
}
