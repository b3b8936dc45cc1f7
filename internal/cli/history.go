package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/session"
	"github.com/spf13/cobra"
)

var historyRaw bool

var historyCmd = &cobra.Command{
	Use:   "history <workflow-id>",
	Short: "Print the conversation of a workflow",
	Long: `Print the conversation transcript of a workflow: the user's query, every
tool call with its result and the final answer.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().BoolVar(&historyRaw, "raw", false, "print transcript entries as JSON lines")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Transcripts.Enabled {
		return fmt.Errorf("transcripts are disabled (set transcripts.enabled to true)")
	}

	store, err := session.New(cfg.Transcripts.Dir)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Entries(cmd.Context(), args[0])
	if errors.Is(err, session.ErrTranscriptNotFound) {
		return fmt.Errorf("no transcript for workflow %s", args[0])
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, entry := range entries {
		if historyRaw {
			line, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(line))
			continue
		}
		if err := printEntry(out, entry); err != nil {
			return err
		}
	}
	return nil
}

func printEntry(out io.Writer, entry session.Entry) error {
	turn, err := conversation.UnmarshalTurn(entry.Turn)
	if err != nil {
		return fmt.Errorf("entry %d: %w", entry.Seq, err)
	}

	stamp := entry.Timestamp.Local().Format(time.TimeOnly)
	switch t := turn.(type) {
	case conversation.UserMessage:
		fmt.Fprintf(out, "[%s] user: %s\n", stamp, t.Content)
	case conversation.ModelMessage:
		fmt.Fprintf(out, "[%s] model: %s\n", stamp, t.Content)
	case conversation.ToolCall:
		fmt.Fprintf(out, "[%s] call %s %s\n", stamp, t.Name, compactJSON(t.Arguments))
	case conversation.ToolResult:
		fmt.Fprintf(out, "[%s] result %s %s\n", stamp, t.CallID, compactJSON(t.Output))
	}
	return nil
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
