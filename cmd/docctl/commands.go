package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/Lllllllleong/documentcoordinator/internal/config"
	"github.com/Lllllllleong/documentcoordinator/internal/gcp"
	"github.com/Lllllllleong/documentcoordinator/internal/services"
	"github.com/spf13/cobra"
)

func newRuntime(ctx context.Context) (*services.Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	services.ConfigureLogging(cfg)
	return services.NewRuntime(ctx, cfg)
}

// NewRootCommand creates the docctl command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "docctl",
		Short:         "Operate the document coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newProcessCommand())
	cmd.AddCommand(newResumeCommand())
	cmd.AddCommand(newStatusCommand())
	return cmd
}

func newProcessCommand() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "process <gs://bucket/object>",
		Short: "Process an uploaded object exactly as the trigger would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri := args[0]
			if _, _, err := gcp.ParseURI(uri); err != nil {
				return err
			}
			return withRuntime(cmd, func(ctx context.Context, rt *services.Runtime) error {
				content, err := rt.Storage.Read(ctx, uri)
				if err != nil {
					return err
				}
				res, err := rt.Coordinator.ProcessDocument(ctx, content, services.Source{
					URI:      uri,
					MIMEType: services.DetectMIMEType(path.Base(uri), contentType),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"documentId": res.DocumentID,
					"outcome":    res.Outcome.String(),
					"status":     res.Status,
					"reason":     res.Reason,
				})
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type of the object (default: from the extension)")
	return cmd
}

func newResumeCommand() *cobra.Command {
	var payloadFile, approvedBy string
	cmd := &cobra.Command{
		Use:   "resume <documentId>",
		Short: "Persist a reviewer-approved payload for a FAILED document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), payloadFile)
			if err != nil {
				return err
			}
			return withRuntime(cmd, func(ctx context.Context, rt *services.Runtime) error {
				res, err := rt.Coordinator.ResumeFromFailure(ctx, args[0], payload, approvedBy)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"documentId": res.DocumentID,
					"status":     res.Status,
					"reason":     res.Reason,
				})
			})
		},
	}
	cmd.Flags().StringVar(&payloadFile, "payload", "-", "JSON payload file, or - for stdin")
	cmd.Flags().StringVar(&approvedBy, "approved-by", "", "reviewer identity (required)")
	_ = cmd.MarkFlagRequired("approved-by")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <documentId>",
		Short: "Show the processing record of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *services.Runtime) error {
				view, err := rt.Coordinator.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
}

func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *services.Runtime) error) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func readPayload(stdin io.Reader, file string) (map[string]any, error) {
	var (
		raw []byte
		err error
	)
	if file == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("payload is empty")
	}
	return payload, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
