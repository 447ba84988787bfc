package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petal-labs/turnflow/config"
	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/orchestrator"
	"github.com/petal-labs/turnflow/runtime"
)

// NewTurnCmd creates the "turn" subcommand.
func NewTurnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Process one customer turn with the reference stages",
		Args:  cobra.NoArgs,
		RunE:  runTurn,
	}

	cmd.Flags().String("tenant", "default", "Tenant id")
	cmd.Flags().String("customer", "", "Customer id (enables conversation memory)")
	cmd.Flags().StringP("input", "i", "", "Customer input text")
	cmd.Flags().String("kind", string(core.InputText), "Input kind: text | voice | image")
	cmd.Flags().Bool("events", false, "Write turn events to stderr as JSON lines")
	cmd.Flags().Bool("strict", false, "Exit non-zero when the turn was degraded")

	return cmd
}

func runTurn(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	customer, _ := cmd.Flags().GetString("customer")
	input, _ := cmd.Flags().GetString("input")
	kind, _ := cmd.Flags().GetString("kind")
	withEvents, _ := cmd.Flags().GetBool("events")
	strict, _ := cmd.Flags().GetBool("strict")
	explicitConfig, _ := cmd.Flags().GetString("config")

	cfg, _, err := config.Load(explicitConfig)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}

	var hooks engineHooks
	if withEvents {
		enc := json.NewEncoder(cmd.ErrOrStderr())
		hooks.EventHandler = func(e runtime.Event) {
			_ = enc.Encode(e)
		}
	}

	eng, err := buildEngine(cfg, newLogger(cmd), hooks)
	if err != nil {
		return err
	}
	defer func() {
		_ = eng.Close()
	}()
	if err := eng.provision(tenant); err != nil {
		return exitError(exitConfig, "%v", err)
	}

	state := eng.orch.ProcessTurn(cmd.Context(), orchestrator.TurnRequest{
		TenantID:   tenant,
		CustomerID: customer,
		Input:      input,
		InputKind:  core.InputKind(kind),
	})

	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding thread state: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	switch {
	case state.ErrorState == orchestrator.ErrorStateValidation:
		return exitError(exitInputParse, "invalid turn request")
	case state.ErrorState != "":
		return exitError(exitRuntime, "turn failed: %s", state.ErrorState)
	case strict && state.Degraded():
		return exitError(exitDegraded, "turn completed with degraded stages")
	}
	return nil
}
