package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sentinelsec/sentinel/internal/config"
	"github.com/sentinelsec/sentinel/internal/logging"
	"github.com/sentinelsec/sentinel/internal/pipeline"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "sentinel",
	Short:   "Sentinel - autonomous network defense pipeline",
	Long:    `Sentinel watches network traffic, scores flows for anomalies, investigates alerts against threat intelligence and responds with gated containment actions.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(nil)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Sentinel %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var replayPace bool

var replayCmd = &cobra.Command{
	Use:   "replay <capture.jsonl>",
	Short: "Run the pipeline against a recorded capture file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(func(s *config.Settings) {
			s.Capture = config.CaptureSettings{
				Source: "replay",
				Path:   args[0],
				Pace:   replayPace,
			}
		})
	},
}

var revertAPI string

var revertCmd = &cobra.Command{
	Use:   "revert <action-id>",
	Short: "Revert a previously executed action via the running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("%s/api/actions/%s/revert", revertAPI, args[0])
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			return fmt.Errorf("reach sentinel api: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("revert failed (%d): %s", resp.StatusCode, string(body))
		}
		var record map[string]any
		if err := json.Unmarshal(body, &record); err != nil {
			return fmt.Errorf("decode revert response: %w", err)
		}
		fmt.Printf("reverted %s: %v\n", args[0], record["result"])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")
	replayCmd.Flags().BoolVar(&replayPace, "pace", false, "replay at recorded packet timing")
	revertCmd.Flags().StringVar(&revertAPI, "api", "http://localhost:8088", "base URL of the running sentinel API")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(revertCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runPipeline(override func(*config.Settings)) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if override != nil {
		override(settings)
		if err := settings.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	logging.Init(logging.Config{
		Format:    settings.Log.Format,
		Level:     settings.Log.Level,
		Component: "sentinel",
		FilePath:  settings.Log.File,
		MaxSizeMB: settings.Log.MaxSizeMB,
	})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("sensor_id", settings.SensorID).
		Str("bus", settings.BusTransport).
		Bool("production_actions", settings.ProductionActionsEnabled).
		Msg("sentinel starting")

	p, err := pipeline.New(settings)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	log.Info().Msg("sentinel stopped")
	return nil
}
