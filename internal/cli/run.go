package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRunCommand creates the sync loop command.
func NewRunCommand(root *RootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync queued drafts and pending attachments",
		Long: `Submits due drafts and uploads due attachments every sync_interval
until interrupted. With --once a single pass runs and its counts are
printed; the exit code is 1 when the pass left drafts or attachments
failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.openStore()
			if err != nil {
				return WrapExitError(ExitCommandError, "run", err)
			}
			defer store.Close()

			s, err := root.syncer(store)
			if err != nil {
				return WrapExitError(ExitCommandError, "run", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := s.Recover(ctx); err != nil {
				return WrapExitError(ExitFailure, "recover outbox", err)
			}
			if !once {
				root.log.Info("sync loop started", zap.Duration("interval", root.cfg.SyncInterval))
				s.Run(ctx, root.cfg.SyncInterval)
				root.log.Info("sync loop stopped")
				return nil
			}

			st, err := s.RunOnce(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "sync pass", err)
			}
			p := root.printer(cmd.OutOrStdout())
			if p.format == "json" {
				if err := p.json(st); err != nil {
					return err
				}
			} else if st.Offline {
				fmt.Fprintln(cmd.OutOrStdout(), "offline: api unreachable, nothing sent")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "submitted=%d synced=%d failed=%d requeued=%d abandoned=%d\n",
					st.Submitted, st.Synced, st.Failed, st.Requeued, st.Abandoned)
				fmt.Fprintf(cmd.OutOrStdout(), "uploaded=%d retries=%d uploads_failed=%d waiting=%d\n",
					st.Uploaded, st.UploadRetries, st.UploadsFailed, st.UploadsWaiting)
			}
			if st.Failed > 0 || st.Abandoned > 0 || st.UploadsFailed > 0 {
				return &ExitError{Code: ExitFailure, Message: "sync pass left failed work"}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}
