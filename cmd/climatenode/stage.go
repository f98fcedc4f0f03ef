package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/climate-node/internal/config"
	"github.com/nugget/climate-node/internal/opstate"
	"github.com/nugget/climate-node/internal/ota"
)

// openState opens the operational state store under the data directory,
// creating the directory if needed.
func openState(cfg *config.Config) (*opstate.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := opstate.NewStore(cfg.State.Driver, filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open operational state: %w", err)
	}
	return store, nil
}

// runStage stages a local firmware image exactly as an HTTP upload
// would, for provisioning over SSH or from removable media. args are
// the image path and an optional hex SHA-256.
func runStage(stdout io.Writer, configPath, outputFmt string, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return errors.New("usage: climatenode stage <image> [sha256]")
	}
	image := args[0]
	var wantSHA string
	if len(args) == 2 {
		wantSHA = args[1]
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	f, err := os.Open(image)
	if err != nil {
		return fmt.Errorf("open firmware image: %w", err)
	}
	defer f.Close()

	store, err := openState(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := ota.New(cfg.Update, cfg.DataDir, store, newLogger(io.Discard, slog.LevelInfo, "text"))
	rec, err := svc.Stage(f, filepath.Base(image), wantSHA)
	if err != nil {
		return fmt.Errorf("stage %s: %w", image, err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	verified := "unverified"
	if rec.Verified {
		verified = "verified"
	}
	fmt.Fprintf(stdout, "staged %s (%d bytes, sha256 %s, %s)\n", rec.Filename, rec.Size, rec.SHA256, verified)
	fmt.Fprintf(stdout, "  %s\n", rec.Path)
	return nil
}
