package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/agentloop/pkg/toolexecutor"
	"github.com/harun/agentloop/pkg/tools"
	"github.com/spf13/cobra"
)

var toolsSchema bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools offered to the model",
	Long: `List the tools the model may call under the configured tool policy
(agent.tools.allow and agent.tools.deny).`,
	Args: cobra.NoArgs,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsSchema, "schema", false, "print the JSON schema of each tool")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	registry := toolexecutor.NewRegistry()
	registry.MustRegister(tools.Builtin(tools.Config{})...)

	executor, err := toolexecutor.New(toolexecutor.Config{
		Registry: registry,
		Policy:   cfg.ToolPolicy(),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	catalogue := executor.Catalogue()
	if len(catalogue) == 0 {
		fmt.Fprintln(out, "No tools allowed by the current policy")
		return nil
	}

	for _, schema := range catalogue {
		fmt.Fprintf(out, "%-20s %s\n", schema.Name, schema.Description)
		if toolsSchema {
			data, err := json.MarshalIndent(schema.Parameters, "  ", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  %s\n", data)
		}
	}
	return nil
}
