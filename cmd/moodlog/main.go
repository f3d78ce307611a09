// Command moodlog inspects and maintains the offline diary cache.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moodlog/moodlog/internal/config"
	"github.com/moodlog/moodlog/internal/ui"
)

var (
	configPath string
	noColor    bool

	v   = config.New()
	app *App
)

var rootCmd = &cobra.Command{
	Use:   "moodlog",
	Short: "Offline-first diary cache",
	Long: `moodlog keeps a per-user cache of diary posts and follower characters.

Each signed-in user gets a store of their own under the data directory.
Without --user the session runs on a transient in-memory store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.SetColor(false)
		}
		cfg, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		app, err = NewApp(cmd.Context(), cfg)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if app == nil {
			return nil
		}
		return app.Close()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default: moodlog.yaml in the config search path)")
	flags.String("user", "", "signed-in user id; empty for an unauthenticated session")
	flags.Bool("offline", false, "treat the backend as unreachable")
	flags.String("data-dir", "", "directory holding per-user stores")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")

	_ = v.BindPFlag("user", flags.Lookup("user"))
	_ = v.BindPFlag("offline", flags.Lookup("offline"))
	_ = v.BindPFlag("data-dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if app != nil {
			_ = app.Close()
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
