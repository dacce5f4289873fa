package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/outbox"
)

// Exit codes for agent commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a sync pass left work failed or waiting
	ExitCommandError = 2 // bad input, missing draft, unreadable outbox
)

// ExitError carries a process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

type printer struct {
	format string
	w      io.Writer
}

func (o *RootOptions) printer(w io.Writer) printer {
	return printer{format: o.Format, w: w}
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) drafts(ds []outbox.Draft) error {
	if p.format == "json" {
		if ds == nil {
			ds = []outbox.Draft{}
		}
		return p.json(ds)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT_UUID\tKIND\tSTATE\tATTEMPTS\tNEXT_ATTEMPT\tLAST_ERROR")
	for _, d := range ds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			d.ClientUUID, d.Kind, d.State, d.AttemptCount, stamp(d.NextAttemptAt), d.LastError)
	}
	return tw.Flush()
}

func (p printer) draft(d *outbox.Draft, atts []outbox.Attachment) error {
	if p.format == "json" {
		if atts == nil {
			atts = []outbox.Attachment{}
		}
		return p.json(struct {
			*outbox.Draft
			Attachments []outbox.Attachment `json:"attachments"`
		}{d, atts})
	}
	fmt.Fprintf(p.w, "client_uuid:    %s\n", d.ClientUUID)
	fmt.Fprintf(p.w, "submission_key: %s\n", d.SubmissionKey)
	fmt.Fprintf(p.w, "kind:           %s\n", d.Kind)
	fmt.Fprintf(p.w, "state:          %s\n", d.State)
	fmt.Fprintf(p.w, "attempts:       %d\n", d.AttemptCount)
	if d.LastError != "" {
		fmt.Fprintf(p.w, "last_error:     %s\n", d.LastError)
	}
	if d.CanonicalEntityID != "" {
		fmt.Fprintf(p.w, "report_id:      %s\n", d.CanonicalEntityID)
	}
	fmt.Fprintf(p.w, "payload:        %s\n", d.Payload)
	if len(atts) == 0 {
		return nil
	}
	fmt.Fprintln(p.w)
	return p.attachments(atts)
}

func (p printer) attachment(a *outbox.Attachment) error {
	if p.format == "json" {
		return p.json(a)
	}
	return p.attachments([]outbox.Attachment{*a})
}

func (p printer) attachments(as []outbox.Attachment) error {
	if p.format == "json" {
		if as == nil {
			as = []outbox.Attachment{}
		}
		return p.json(as)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ATTACHMENT_ID\tFILE\tMEDIA\tSTATE\tATTEMPTS\tLAST_ERROR")
	for _, a := range as {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			a.AttachmentID, a.FileName, a.MediaType, a.State, a.UploadAttempts, a.LastError)
	}
	return tw.Flush()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
