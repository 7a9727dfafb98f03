package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/terrpan/batchcloud/internal/buildinfo"
	"github.com/terrpan/batchcloud/internal/cloud"
	"github.com/terrpan/batchcloud/internal/config"
	"github.com/terrpan/batchcloud/internal/credentials"
)

// ---------------------------------------------------------------------------
// check-label
// ---------------------------------------------------------------------------

var checkLabelCmd = &cobra.Command{
	Use:   "check-label <expression>",
	Short: "Report whether the configured cloud serves a label expression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		applyFlagOverrides(cfg)

		ok, err := cloud.Serves(cfg.Cloud.Label, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %t\n", cfg.Cloud.Name, ok)
		return nil
	},
}

// ---------------------------------------------------------------------------
// credentials
// ---------------------------------------------------------------------------

var credentialsScope string

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Inspect the credential store",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential ids (secrets are never printed)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		applyFlagOverrides(cfg)
		cfg.ApplyDefaults()

		store, closeStore, err := cfg.NewCredentialStore(cmd.Context())
		if err != nil {
			return fmt.Errorf("opening credential store: %w", err)
		}
		defer func() { _ = closeStore() }()

		summaries, err := store.List(cmd.Context(), credentialsScope)
		if err != nil {
			return fmt.Errorf("listing credentials: %w", err)
		}
		return printSummaries(cmd.OutOrStdout(), summaries)
	},
}

func printSummaries(out io.Writer, summaries []credentials.Summary) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCOPE\tKIND\tUSERNAME\tDESCRIPTION")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Scope, s.Kind, s.Username, s.Description)
	}
	return tw.Flush()
}

// ---------------------------------------------------------------------------
// migrate
// ---------------------------------------------------------------------------

var migrateWrite bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade a legacy username/password login into a stored credential",
	Long: `migrate converts cloud.username and cloud.password into a password
credential in the credential store and prints the configuration with
cloud.credentials_id set instead.  Defaults and flag overrides are not
written out.

With --write the configuration file (and, for the file backend, the
credentials file) is rewritten in place.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := cfg.NewLogger()

		store, closeStore, err := cfg.NewCredentialStore(cmd.Context())
		if err != nil {
			return fmt.Errorf("opening credential store: %w", err)
		}
		defer func() { _ = closeStore() }()

		migrated, err := cloud.Migrate(cmd.Context(), cfg.LegacyCloud(), store, logger)
		if err != nil {
			return err
		}
		// Persist only the upgrade, not defaults or flag overrides.
		onDisk, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		onDisk.ApplyMigrated(migrated)

		out, err := onDisk.Marshal()
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		if !migrateWrite {
			_, err = cmd.OutOrStdout().Write(out)
			return err
		}

		if mem, ok := store.(*credentials.MemoryStore); ok {
			if err := mem.WriteFile(cfg.Credentials.File); err != nil {
				return err
			}
		}
		if err := os.WriteFile(cfgPath, out, 0o600); err != nil {
			return fmt.Errorf("writing config %s: %w", cfgPath, err)
		}
		logger.Info("configuration migrated",
			slog.String("configFile", cfgPath),
			slog.String("credentialID", migrated.CredentialID),
		)
		return nil
	},
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "batchcloud %s (commit %s, built %s, %s %s/%s)\n",
			buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime,
			runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	credentialsListCmd.Flags().StringVar(&credentialsScope, "scope", "", "Only list credentials in this scope")
	credentialsCmd.AddCommand(credentialsListCmd)

	migrateCmd.Flags().BoolVar(&migrateWrite, "write", false, "Rewrite the config (and credentials) file in place")
}
