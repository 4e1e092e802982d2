package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/engine"
)

// confirm asks the operator a yes/no question on the command's input. Anything but an
// explicit yes declines.
func confirm(cmd *cobra.Command, question string) (bool, error) {
	cmd.Printf("%s [y/N]: ", question)

	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// promptDecision prints the plan and asks the operator to confirm it. With skip set the plan
// is only printed.
func promptDecision(cmd *cobra.Command, skip bool) engine.DecisionFunc {
	return func(_ context.Context, plan engine.Plan) (engine.Decision, error) {
		renderPlan(cmd.OutOrStdout(), plan)
		if skip {
			return engine.Proceed, nil
		}

		ok, err := confirm(cmd, "Continue")
		if err != nil {
			return engine.Abort, err
		}
		if !ok {
			return engine.Abort, nil
		}

		return engine.Proceed, nil
	}
}
