package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/haggle"
)

func (c *CLI) newUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Self-update to the latest version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.selfUpdate(cmd.Context())
		},
	}
}

func (c *CLI) selfUpdate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	v := c.version
	if v == "dev" {
		v = "0.0.0"
	}

	updater, err := selfupdate.NewUpdater(selfupdate.Config{})
	if err != nil {
		return err
	}

	latest, found, err := updater.DetectLatest(ctx, selfupdate.ParseSlug("happyhackingspace/haggle"))
	if err != nil {
		return errors.Wrap(err, "detect latest version")
	}
	if !found {
		return errors.New("no release found")
	}

	if latest.LessOrEqual(v) {
		fmt.Printf("Already up to date (%s)\n", c.version)
		return nil
	}

	slog.Info("Updating", "from", c.version, "to", latest.Version())

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return errors.Wrap(err, "update")
	}
	fmt.Printf("Updated to %s\n", latest.Version())

	// A cached model is refreshed along with the binary.
	dest := filepath.Join(haggle.ModelDir(), haggle.ModelFile)
	if _, err := os.Stat(dest); err == nil {
		slog.Info("Updating cached model")
		if err := download(modelURL, dest); err != nil {
			slog.Warn("Model update failed", "error", err)
		}
	}
	return nil
}
