package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/outbox"
)

// NewDraftCommand groups the draft subcommands.
func NewDraftCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Create and manage report drafts",
	}
	cmd.AddCommand(newDraftCreateCommand(root))
	cmd.AddCommand(newDraftEditCommand(root))
	cmd.AddCommand(newDraftQueueCommand(root))
	cmd.AddCommand(newDraftAbandonCommand(root))
	cmd.AddCommand(newDraftListCommand(root))
	cmd.AddCommand(newDraftShowCommand(root))
	return cmd
}

func newDraftCreateCommand(root *RootOptions) *cobra.Command {
	var (
		kind    string
		payload string
		queue   bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft",
		Example: `  reportsync-agent draft create --kind INCIDENT --payload '{"summary":"fence down"}'
  reportsync-agent draft create --kind EMERGENCY --payload @report.json --queue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(payload)
			if err != nil {
				return err
			}
			store, err := root.openStore()
			if err != nil {
				return WrapExitError(ExitCommandError, "draft create", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			d, err := store.CreateDraft(ctx, lifecycle.ReportKind(strings.ToUpper(kind)), body)
			if err != nil {
				return commandError("draft create", err)
			}
			if queue {
				if err := store.QueueDraft(ctx, d.ClientUUID); err != nil {
					return commandError("draft queue", err)
				}
				if d, err = store.GetDraft(ctx, d.ClientUUID); err != nil {
					return commandError("draft create", err)
				}
			}
			root.log.Info("draft created", zapDraft(d)...)
			return root.printer(cmd.OutOrStdout()).draft(d, nil)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "report kind (INCIDENT|EMERGENCY|ASSISTANCE)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON object, or @file to read it from a file")
	cmd.Flags().BoolVar(&queue, "queue", false, "queue the draft for sync immediately")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func newDraftEditCommand(root *RootOptions) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "edit <client_uuid>",
		Short: "Replace a draft's payload",
		Long: `Replaces the payload of a LOCAL draft. A FAILED draft is corrected
instead: it gets the new payload and a new submission key, and is queued
again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(payload)
			if err != nil {
				return err
			}
			store, err := root.openStore()
			if err != nil {
				return WrapExitError(ExitCommandError, "draft edit", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			d, err := store.GetDraft(ctx, args[0])
			if err != nil {
				return commandError("draft edit", err)
			}
			switch d.State {
			case lifecycle.DraftLocal:
				err = store.EditDraft(ctx, d.ClientUUID, body)
			case lifecycle.DraftFailed:
				_, err = store.CorrectDraft(ctx, d.ClientUUID, body)
			default:
				err = fmt.Errorf("%w: draft is %s", outbox.ErrStateMismatch, d.State)
			}
			if err != nil {
				return commandError("draft edit", err)
			}
			if d, err = store.GetDraft(ctx, d.ClientUUID); err != nil {
				return commandError("draft edit", err)
			}
			root.log.Info("draft edited", zapDraft(d)...)
			return root.printer(cmd.OutOrStdout()).draft(d, nil)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON object, or @file to read it from a file")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func newDraftQueueCommand(root *RootOptions) *cobra.Command {
	return draftStateCommand(root, "queue", "Queue a LOCAL draft for sync", (*outbox.Store).QueueDraft)
}

func newDraftAbandonCommand(root *RootOptions) *cobra.Command {
	return draftStateCommand(root, "abandon", "Give up on a draft that has not synced", (*outbox.Store).AbandonDraft)
}

func draftStateCommand(root *RootOptions, name, short string, apply func(*outbox.Store, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <client_uuid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.openStore()
			if err != nil {
				return WrapExitError(ExitCommandError, "draft "+name, err)
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := apply(store, ctx, args[0]); err != nil {
				return commandError("draft "+name, err)
			}
			d, err := store.GetDraft(ctx, args[0])
			if err != nil {
				return commandError("draft "+name, err)
			}
			root.log.Info("draft "+name, zapDraft(d)...)
			return root.printer(cmd.OutOrStdout()).draft(d, nil)
		},
	}
}

func newDraftListCommand(root *RootOptions) *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]lifecycle.DraftState, 0, len(states))
			for _, s := range states {
				st := lifecycle.DraftState(strings.ToUpper(s))
				if !st.Valid() {
					return WrapExitError(ExitCommandError, "draft list", fmt.Errorf("unknown state %q", s))
				}
				filter = append(filter, st)
			}
			store, err := root.openStore()
			if err != nil {
				return WrapExitError(ExitCommandError, "draft list", err)
			}
			defer store.Close()

			ds, err := store.ListDrafts(cmd.Context(), filter...)
			if err != nil {
				return commandError("draft list", err)
			}
			return root.printer(cmd.OutOrStdout()).drafts(ds)
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "only drafts in these states")
	return cmd
}

func newDraftShowCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <client_uuid>",
		Short: "Show a draft and its attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.openStore()
			if err != nil {
				return WrapExitError(ExitCommandError, "draft show", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			d, err := store.GetDraft(ctx, args[0])
			if err != nil {
				return commandError("draft show", err)
			}
			atts, err := store.ListAttachments(ctx, d.ClientUUID)
			if err != nil {
				return commandError("draft show", err)
			}
			return root.printer(cmd.OutOrStdout()).draft(d, atts)
		},
	}
}

// readPayload accepts inline JSON or @path.
func readPayload(v string) (json.RawMessage, error) {
	if path, ok := strings.CutPrefix(v, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "read payload", err)
		}
		return json.RawMessage(b), nil
	}
	return json.RawMessage(v), nil
}

// commandError maps outbox errors onto exit codes. Storage failures are
// worth retrying; everything else is the caller's input.
func commandError(op string, err error) error {
	if errors.Is(err, outbox.ErrNotFound) || errors.Is(err, outbox.ErrStateMismatch) ||
		errors.Is(err, outbox.ErrLimit) || apperr.KindOf(err) == apperr.PermanentRejection {
		return WrapExitError(ExitCommandError, op, err)
	}
	return WrapExitError(ExitFailure, op, err)
}

func zapDraft(d *outbox.Draft) []zap.Field {
	return []zap.Field{
		zap.String("client_uuid", d.ClientUUID),
		zap.String("report_kind", string(d.Kind)),
		zap.String("state", string(d.State)),
	}
}
