package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/turnflow/fallback"
	"github.com/petal-labs/turnflow/graph"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return fmt.Errorf("reading file: %w", err)
	}

	diags := validateDefinition(data)
	printValidateDiagnostics(out, diags, format)

	hasErrs := graph.HasErrors(diags)
	hasWarns := len(graph.Warnings(diags)) > 0
	if hasErrs || (strict && hasWarns) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// validateDefinition parses a YAML or JSON pipeline definition, validates
// the graph and checks it against the default fallback table.
func validateDefinition(data []byte) []graph.Diagnostic {
	def, err := graph.ParseDefinition(data)
	if err != nil {
		return []graph.Diagnostic{{
			Code:     "PG-000",
			Severity: graph.SeverityError,
			Message:  fmt.Sprintf("Failed to parse pipeline definition: %v", err),
		}}
	}

	rules := graph.BuiltinRules()
	diags := def.Validate(rules)
	if graph.HasErrors(diags) {
		return diags
	}

	cfg, _ := def.Config(rules)
	pipeline, err := graph.New(cfg)
	if err != nil {
		return append(diags, graph.Diagnostic{
			Code:     "PG-000",
			Severity: graph.SeverityError,
			Message:  err.Error(),
		})
	}

	uncovered, err := fallback.Defaults().Check(pipeline.Slots())
	if err != nil {
		diags = append(diags, graph.Diagnostic{
			Code:     "FB-001",
			Severity: graph.SeverityError,
			Message:  fmt.Sprintf("Fallback table does not match pipeline: %v", err),
		})
	}
	for _, name := range uncovered {
		diags = append(diags, graph.Diagnostic{
			Code:     "FB-002",
			Severity: graph.SeverityWarning,
			Message:  fmt.Sprintf("Stage %q has no dedicated fallback and uses the generic default", name),
		})
	}
	return diags
}

// printValidateDiagnostics writes diagnostics in the requested format. Text
// output lists errors before warnings and ends with a one-line verdict.
func printValidateDiagnostics(w io.Writer, diags []graph.Diagnostic, format string) {
	if format == "json" {
		if diags == nil {
			diags = []graph.Diagnostic{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(diags)
		return
	}

	errs, warns := graph.Errors(diags), graph.Warnings(diags)
	for _, d := range slices.Concat(errs, warns) {
		line := fmt.Sprintf("%-7s %s  %s", strings.ToUpper(d.Severity), d.Code, d.Message)
		if d.Path != "" {
			line += " (" + d.Path + ")"
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w, verdict(len(errs), len(warns)))
}

func verdict(errs, warns int) string {
	counts := []string{}
	if errs > 0 {
		counts = append(counts, count(errs, "error"))
	}
	if warns > 0 {
		counts = append(counts, count(warns, "warning"))
	}
	switch {
	case errs > 0:
		return "pipeline invalid: " + strings.Join(counts, ", ")
	case warns > 0:
		return "pipeline ok: " + strings.Join(counts, ", ")
	default:
		return "pipeline ok"
	}
}

func count(n int, noun string) string {
	if n != 1 {
		noun += "s"
	}
	return fmt.Sprintf("%d %s", n, noun)
}
