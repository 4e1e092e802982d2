package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// OwnerActions creates the owner-actions command group.
func (c *Commands) OwnerActions() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owner-actions",
		Short: "Inspect and complete staged owner actions",
	}

	cmd.AddCommand(
		c.newOwnerActionsListCmd(),
		c.newOwnerActionsCompleteCmd(),
	)

	configFlag(cmd.PersistentFlags(), new(string))

	return cmd
}

func (c *Commands) newOwnerActionsListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the owner actions of the deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			cfg, _, err := c.loadConfig(configPath)
			if err != nil {
				return err
			}
			stores, err := c.deps.StoresLoader(cmd.Context(), cfg, cfg.DeploymentPath)
			if err != nil {
				return fmt.Errorf("failed to open stores: %w", err)
			}
			defer stores.Close()

			list := stores.Actions.Pending
			if all {
				list = stores.Actions.List
			}
			actions, err := list(cmd.Context())
			if err != nil {
				return err
			}
			if len(actions) == 0 {
				cmd.Println("No owner actions.")

				return nil
			}
			renderOwnerActions(cmd.OutOrStdout(), actions)

			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include completed actions")

	return cmd
}

func (c *Commands) newOwnerActionsCompleteCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Mark an owner action as executed",
		Example: `
  reconciler owner-actions complete --key "Issuer.setX(5)"
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			cfg, _, err := c.loadConfig(configPath)
			if err != nil {
				return err
			}
			stores, err := c.deps.StoresLoader(cmd.Context(), cfg, cfg.DeploymentPath)
			if err != nil {
				return fmt.Errorf("failed to open stores: %w", err)
			}
			defer stores.Close()

			if err := stores.Actions.MarkComplete(cmd.Context(), key); err != nil {
				return err
			}
			cmd.Printf("Marked %s as complete\n", key)

			return nil
		},
	}

	cmd.Flags().StringVarP(&key, "key", "k", "", "Key of the owner action (required)")
	_ = cmd.MarkFlagRequired("key")

	return cmd
}
