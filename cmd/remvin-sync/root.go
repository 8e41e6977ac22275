// Command remvin-sync is the operator control surface for the Remvin POS
// cloud sync engine: inspect the queue, trigger cycles, manage configuration
// and run the background scheduler.
package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Hadesalive/Remvin-Ent-sub002/internal/logging"
	"github.com/Hadesalive/Remvin-Ent-sub002/possync"
)

type rootOptions struct {
	DBPath   string
	LogLevel string
	LogFile  string
	JSON     bool
}

// NewRootCommand creates the remvin-sync root command.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "remvin-sync",
		Short:         "Remvin POS cloud sync control",
		Long:          "Inspect and drive the Remvin point-of-sale cloud synchronization engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				viper.SetConfigFile(cfgFile)
			} else {
				viper.SetConfigName("remvin-sync")
				viper.SetConfigType("yaml")
				viper.AddConfigPath(".")
				viper.AddConfigPath("$HOME/.remvin")
			}
			viper.SetEnvPrefix("REMVIN_SYNC")
			viper.AutomaticEnv()
			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return fmt.Errorf("failed to read config file: %w", err)
				}
			}
			if !cmd.Flags().Changed("db") && viper.IsSet("db") {
				opts.DBPath = viper.GetString("db")
			}
			if !cmd.Flags().Changed("log-level") && viper.IsSet("log_level") {
				opts.LogLevel = viper.GetString("log_level")
			}
			if !cmd.Flags().Changed("log-file") && viper.IsSet("log_file") {
				opts.LogFile = viper.GetString("log_file")
			}
			logging.Setup(logging.Options{Level: opts.LogLevel, File: opts.LogFile})
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default remvin-sync.yaml)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "remvin.db", "path to the local store")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "rotating log file (stderr only when empty)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "machine-readable output")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newHealthCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newPullCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newResetFailedCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newEnableCommand(opts, true))
	cmd.AddCommand(newEnableCommand(opts, false))
	cmd.AddCommand(newTestConnectionCommand(opts))
	cmd.AddCommand(newDaemonCommand(opts))

	return cmd
}

// openEngine opens the local store and builds the sync engine over it.
func openEngine(opts *rootOptions) (*possync.Engine, *sql.DB, error) {
	db, err := sql.Open("sqlite3", opts.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local store: %w", err)
	}
	engine, err := possync.New(db, slog.Default(), nil)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return engine, db, nil
}
