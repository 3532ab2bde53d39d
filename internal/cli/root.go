package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	Format  string // "json" | "text"
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the fencectl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fencectl",
		Short: "Manage fences on a fencesync service",
		Long:  "fencectl registers, removes, and inspects fences through the fencesync management API.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.Server, "server", "s", "http://127.0.0.1:8080", "fencesync API base URL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(newAddCommand(opts))
	cmd.AddCommand(newRemoveCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newStateCommand(opts))
	cmd.AddCommand(newResyncCommand(opts))
	return cmd
}

func (o *RootOptions) client() *Client {
	return NewClient(o.Server, o.Timeout)
}

func (o *RootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.Timeout)
}

func newAddCommand(opts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add -f <fences.yaml>",
		Short: "Register fences from a YAML or JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			docs, err := LoadFenceFile(file)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			client := opts.client()
			for _, doc := range docs {
				if err := client.AddFence(ctx, doc); err != nil {
					return err
				}
			}
			return writeResult(cmd.OutOrStdout(), opts.Format, map[string]any{"accepted": len(docs)},
				fmt.Sprintf("accepted %d fence(s)", len(docs)))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "fence definition file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>...",
		Short: "Request removal of fences",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			client := opts.client()
			for _, id := range args {
				if err := client.RemoveFence(ctx, id); err != nil {
					return fmt.Errorf("remove %q: %w", id, err)
				}
			}
			return writeResult(cmd.OutOrStdout(), opts.Format, map[string]any{"accepted": args},
				"removal accepted: "+strings.Join(args, ", "))
		},
	}
}

func newListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List synced fences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			docs, err := opts.client().Fences(ctx)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), docs)
			}
			for _, doc := range docs {
				var head struct {
					ID     string `json:"id"`
					Target string `json:"pendingIntentClass"`
				}
				_ = json.Unmarshal(doc, &head)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", head.ID, head.Target)
			}
			return nil
		},
	}
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one synced fence document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			doc, err := opts.client().Fence(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), doc)
		},
	}
}

func newStateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show pending and synced fence ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			snap, err := opts.client().State(ctx)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "to_add:    %s\n", strings.Join(snap.ToAdd, " "))
			fmt.Fprintf(out, "to_remove: %s\n", strings.Join(snap.ToRemove, " "))
			fmt.Fprintf(out, "synced:    %s\n", strings.Join(snap.Synced, " "))
			return nil
		},
	}
}

func newResyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Resubmit every pending add and remove",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			if err := opts.client().Resync(ctx); err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), opts.Format, map[string]any{"status": "accepted"}, "resync accepted")
		},
	}
}

func writeResult(w io.Writer, format string, value any, text string) error {
	if format == "json" {
		return writeJSON(w, value)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
