// Package cli implements the reportsync-agent commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/agent"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/logging"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/outbox"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/syncclient"
)

// RootOptions holds the global flags and the resolved configuration.
type RootOptions struct {
	ConfigPath string
	DBPath     string
	ServerURL  string
	Token      string
	LogFile    string
	Verbose    bool
	Format     string

	cfg Config
	log *zap.Logger
}

// ValidFormats lists the output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the agent command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "reportsync-agent",
		Short: "Offline field-report outbox and sync agent",
		Long: `Stores report drafts and their photos and videos on the device and
syncs them to the report API when a connection is available.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.ConfigPath, "config", "reportsync-agent.yaml", "path to the YAML config file")
	f.StringVar(&opts.DBPath, "db", "", "path to the SQLite outbox (overrides db_path)")
	f.StringVar(&opts.ServerURL, "server", "", "API base URL (overrides server_url)")
	f.StringVar(&opts.Token, "token", "", "bearer token (overrides token)")
	f.StringVar(&opts.LogFile, "log-file", "", "log file (overrides log.file)")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	f.StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewDraftCommand(opts))
	cmd.AddCommand(NewAttachCommand(opts))
	cmd.AddCommand(NewAttachmentCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}

func (o *RootOptions) resolve(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.Format, ValidFormats)
	}
	cfg, err := LoadConfig(o.ConfigPath, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBPath = o.DBPath
	}
	if flags.Changed("server") {
		cfg.ServerURL = o.ServerURL
	}
	if flags.Changed("token") {
		cfg.Token = o.Token
	}
	if flags.Changed("log-file") {
		cfg.Log.File = o.LogFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	o.log = logging.New(cfg.logging(o.Verbose))
	return nil
}

func (o *RootOptions) openStore() (*outbox.Store, error) {
	s, err := outbox.Open(o.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", o.cfg.DBPath, err)
	}
	return s, nil
}

func (o *RootOptions) syncer(store *outbox.Store) (*agent.Syncer, error) {
	if o.cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is not configured")
	}
	client := syncclient.New(syncclient.Config{
		BaseURL: o.cfg.ServerURL,
		Token:   o.cfg.Token,
		Timeout: o.cfg.RequestTimeout,
	}, o.log.Named("client"))
	return agent.NewSyncer(store, client, o.cfg.syncConfig(), o.log.Named("sync")), nil
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
