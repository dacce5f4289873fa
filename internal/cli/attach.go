package cli

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/outbox"
)

// NewAttachCommand adds a photo or video to a draft.
func NewAttachCommand(root *RootOptions) *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "attach <client_uuid> <file>",
		Short: "Attach a photo or video to a draft",
		Long: `Records a file for upload. The file stays where it is; the agent reads
it when the upload runs. The content type is taken from --content-type, the
file extension, or the first bytes of the file, in that order.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "attach", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				return WrapExitError(ExitCommandError, "attach", err)
			}
			if info.IsDir() {
				return WrapExitError(ExitCommandError, "attach", fmt.Errorf("%s is a directory", path))
			}
			ct := contentType
			if ct == "" {
				if ct, err = detectContentType(path); err != nil {
					return WrapExitError(ExitCommandError, "attach", err)
				}
			}

			store, err := root.openStore()
			if err != nil {
				return WrapExitError(ExitCommandError, "attach", err)
			}
			defer store.Close()

			a, err := store.AddAttachment(cmd.Context(), outbox.NewAttachment{
				OwnerClientUUID: args[0],
				FilePath:        path,
				ContentType:     ct,
				SizeBytes:       info.Size(),
			}, root.cfg.limits())
			if err != nil {
				return commandError("attach", err)
			}
			root.log.Info("attachment added",
				zap.String("attachment_id", a.AttachmentID),
				zap.String("client_uuid", a.OwnerClientUUID),
				zap.String("media_type", string(a.MediaType)),
				zap.Int64("size_bytes", a.SizeBytes))
			return root.printer(cmd.OutOrStdout()).attachment(a)
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "override the detected content type")
	return cmd
}

// NewAttachmentCommand groups the attachment subcommands.
func NewAttachmentCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "attachment",
		Aliases: []string{"attachments"},
		Short:   "Inspect and retry attachments",
	}
	cmd.AddCommand(newAttachmentListCommand(root))
	cmd.AddCommand(newAttachmentRetryCommand(root))
	return cmd
}

func newAttachmentListCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <client_uuid>",
		Short: "List a draft's attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.openStore()
			if err != nil {
				return WrapExitError(ExitCommandError, "attachment list", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			if _, err := store.GetDraft(ctx, args[0]); err != nil {
				return commandError("attachment list", err)
			}
			as, err := store.ListAttachments(ctx, args[0])
			if err != nil {
				return commandError("attachment list", err)
			}
			return root.printer(cmd.OutOrStdout()).attachments(as)
		},
	}
}

func newAttachmentRetryCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <attachment_id>",
		Short: "Give a FAILED attachment a new set of upload attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.openStore()
			if err != nil {
				return WrapExitError(ExitCommandError, "attachment retry", err)
			}
			defer store.Close()

			s, err := root.syncer(store)
			if err != nil {
				return WrapExitError(ExitCommandError, "attachment retry", err)
			}
			ctx := cmd.Context()
			if err := s.RetryAttachment(ctx, args[0]); err != nil {
				return commandError("attachment retry", err)
			}
			a, err := store.GetAttachment(ctx, args[0])
			if err != nil {
				return commandError("attachment retry", err)
			}
			root.log.Info("attachment reset", zap.String("attachment_id", a.AttachmentID))
			return root.printer(cmd.OutOrStdout()).attachment(a)
		},
	}
}

func detectContentType(path string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			return mt, nil
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	mt, _, err := mime.ParseMediaType(http.DetectContentType(head[:n]))
	if err != nil {
		return "", err
	}
	return mt, nil
}
