// Package cli implements the turnflow command line: running a single turn,
// validating pipeline definitions and serving the HTTP adapter.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the turnflow command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "turnflow",
		Short: "Turnflow advisory turn engine",
		Long:  "Turnflow runs customer turns through a pipeline of advisory stages.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}

	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all logging except errors")
	root.PersistentFlags().String("log-format", "text", "Log format: text | json")
	root.PersistentFlags().String("config", "", "Path to turnflow.yaml")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("turnflow version %s\n", version))

	root.AddCommand(NewTurnCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewServeCmd())
	return root
}

// newLogger builds the process logger from the persistent flags. Logs go
// to stderr so stdout stays machine readable.
func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	format, _ := cmd.Flags().GetString("log-format")

	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return buildLogger(cmd.ErrOrStderr(), level, format)
}

func buildLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == "error" {
				a.Key = "err"
			}
			return a
		},
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
