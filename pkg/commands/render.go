package commands

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/engine"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/reconcile"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/relay"
)

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{
		Left:   false,
		Right:  false,
		Top:    true,
		Bottom: true,
	})

	return table
}

func renderPlan(w io.Writer, plan engine.Plan) {
	table := newTable(w)
	table.AppendBulk([][]string{
		{"Network", plan.Network},
		{"Deployment path", plan.DeploymentPath},
		{"Signer", plan.Signer},
		{"Dry run", strconv.FormatBool(plan.DryRun)},
		{"Deploy", strings.Join(plan.Deploy, ", ")},
		{"Reuse", strings.Join(plan.Reuse, ", ")},
	})
	table.Render()
}

func renderSummary(w io.Writer, s *engine.Summary) {
	if len(s.NewContracts) > 0 {
		fmt.Fprintln(w, "New contracts:")
		table := newTable(w)
		table.SetHeader([]string{"Name", "Source", "Address"})
		for _, rec := range s.NewContracts {
			table.Append([]string{rec.Name, rec.Source, rec.Address.Hex()})
		}
		table.Render()
	}

	fmt.Fprintln(w, "Configuration steps:")
	table := newTable(w)
	table.SetHeader([]string{"Skipped", "Applied", "Staged", "Simulated", "Failed"})
	table.Append([]string{
		strconv.Itoa(s.Steps.Skipped),
		strconv.Itoa(s.Steps.Applied),
		strconv.Itoa(s.Steps.Staged),
		strconv.Itoa(s.Steps.Simulated),
		strconv.Itoa(s.Steps.Failed),
	})
	table.Render()

	if s.Resolver != nil && len(s.Resolver.Dangling) > 0 {
		fmt.Fprintln(w, "Unresolved dependencies, rerun once they are deployed:")
		dangling := newTable(w)
		dangling.SetHeader([]string{"Contract", "Missing"})
		for _, name := range sortedKeys(s.Resolver.Dangling) {
			dangling.Append([]string{name, strings.Join(s.Resolver.Dangling[name], ", ")})
		}
		dangling.Render()
	}

	if len(s.OwnerActions) > 0 {
		renderOwnerActions(w, s.OwnerActions)
		fmt.Fprintln(w, "Execute the owner actions above, then rerun to finish the configuration.")
	}

	if s.DryRun {
		fmt.Fprintln(w, "Dry run: nothing was sent.")
	}
}

func renderOwnerActions(w io.Writer, actions []reconcile.OwnerAction) {
	fmt.Fprintf(w, "Owner actions (%d):\n", len(actions))
	table := newTable(w)
	table.SetHeader([]string{"Key", "Target", "Data", "Done"})
	for _, a := range actions {
		table.Append([]string{a.Key, a.Target.Hex(), a.Data.String(), strconv.FormatBool(a.Completed)})
	}
	table.Render()
}

func renderRelay(w io.Writer, res *relay.Result) {
	if len(res.Skipped) > 0 {
		fmt.Fprintf(w, "Already done: %s\n", strings.Join(res.Skipped, ", "))
	}
	if len(res.NotNominated) > 0 {
		fmt.Fprintf(w, "Not nominated: %s\n", strings.Join(res.NotNominated, ", "))
	}
	if len(res.Batches) == 0 {
		fmt.Fprintln(w, "Nothing to relay.")

		return
	}

	table := newTable(w)
	table.SetHeader([]string{"Batch", "Contracts", "Outcome", "Reference"})
	for i, b := range res.Batches {
		names := make([]string, 0, len(b.Items))
		for _, item := range b.Items {
			names = append(names, item.Name)
		}

		var outcome, ref string
		switch {
		case b.Safe != nil:
			outcome = "safe " + b.Safe.Outcome.String()
			ref = "nonce " + strconv.FormatUint(b.Safe.Tx.Nonce, 10)
		case b.Step != nil:
			outcome = b.Step.Outcome.String()
			if b.Step.Action != nil {
				ref = b.Step.Action.Key
			} else {
				ref = b.Step.TxHash.Hex()
			}
		}
		table.Append([]string{strconv.Itoa(i + 1), strings.Join(names, ", "), outcome, ref})
	}
	table.Render()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}
