// Command paintsync runs the offline queue and sync engine and manages the
// queue from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/candlefish/paintbox-sync/internal/app"
	"github.com/candlefish/paintbox-sync/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "paintsync",
		Short:        "Offline mutation queue and sync engine for field estimates",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(opts),
		newEnqueueCmd(opts),
		newStatusCmd(opts),
		newItemsCmd(opts),
		newRetryCmd(opts),
		newRemoveCmd(opts),
		newConflictsCmd(opts),
	)
	return root
}

// withApp loads the configuration, builds the application, runs fn and
// releases the application's resources.
func withApp(opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	runErr := fn(ctx, a)
	if err := a.Shutdown(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
