package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"patchwatch/internal/app"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or edit the persisted cursor",
	Long: `The cursor is the identity (article URL) of the last announced item.

Examples:
  patchwatch state show
  patchwatch state set https://playvalorant.com/en-us/news/game-updates/patch-notes-9-01/
  patchwatch state reset       # next check announces the newest item again`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted cursor as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := app.ShowState(cmd.Context(), cfgPath, appOptions()...)
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	},
}

var stateSetCmd = &cobra.Command{
	Use:   "set <identity>",
	Short: "Mark an item as already announced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := app.SetState(cmd.Context(), cfgPath, args[0], appOptions()...)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cursor set to %s\n", st.Last)
		return nil
	},
}

var stateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the cursor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.ResetState(cmd.Context(), cfgPath, appOptions()...); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cursor cleared")
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateShowCmd, stateSetCmd, stateResetCmd)
}
