package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/pepper/internal/clarify"
	"github.com/iambrandonn/pepper/internal/config"
	"github.com/iambrandonn/pepper/internal/eventlog"
	"github.com/iambrandonn/pepper/internal/ledger"
	"github.com/iambrandonn/pepper/internal/runstate"
	"github.com/iambrandonn/pepper/internal/transcript"
	"github.com/iambrandonn/pepper/internal/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a default config and workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var clarifyCmd = &cobra.Command{
	Use:   "clarify",
	Short: "Inspect or drop pending clarifications",
}

var clarifyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipeline keys waiting for an answer",
	Args:  cobra.NoArgs,
	RunE:  runClarifyList,
}

var clarifyShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print the pending clarification for a pipeline key",
	Args:  cobra.ExactArgs(1),
	RunE:  runClarifyShow,
}

var clarifyClearCmd = &cobra.Command{
	Use:   "clear <key>",
	Short: "Drop the pending clarification for a pipeline key",
	Args:  cobra.ExactArgs(1),
	RunE:  runClarifyClear,
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List or close numbered conversations",
	Args:    cobra.NoArgs,
	RunE:    runConversationsList,
}

var conversationsCloseCmd = &cobra.Command{
	Use:   "close <number>",
	Short: "Close a numbered conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsClose,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the recorded events of one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	initCmd.Flags().Bool("yaml", false, "Write pepper.yaml instead of pepper.json")

	clarifyCmd.AddCommand(clarifyListCmd)
	clarifyCmd.AddCommand(clarifyShowCmd)
	clarifyCmd.AddCommand(clarifyClearCmd)

	conversationsCmd.AddCommand(conversationsCloseCmd)

	runsCmd.Flags().Bool("json", false, "Print run states as JSON")
	runsCmd.AddCommand(runsShowCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	useYAML, _ := cmd.Flags().GetBool("yaml")

	name := config.FileNames[0]
	if useYAML {
		name = config.FileNames[1]
	}
	path := filepath.Join(dir, name)

	cfg := config.GenerateDefault()
	if existing, err := config.LoadFromFile(path); err == nil {
		cfg = existing
		fmt.Fprintf(cmd.OutOrStdout(), "Using existing %s\n", path)
	} else {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := cfg.SaveToFile(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	}

	root := cfg.WorkspacePath(path)
	if err := workspace.Initialize(root); err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Workspace ready at %s\n", root)
	return nil
}

func runClarifyList(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	keys := a.bridge.PendingClarifications()
	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending clarifications.")
		return nil
	}
	for _, key := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), key)
	}
	return nil
}

func runClarifyShow(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	rec := a.bridge.Clarification(args[0])
	if rec == nil {
		return fmt.Errorf("no pending clarification for %s", args[0])
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Prompt:  %s\n", rec.OriginalPrompt)
	fmt.Fprintf(out, "State:   %s\n", rec.State)
	fmt.Fprintf(out, "Session: %s\n", rec.SessionID)
	fmt.Fprintf(out, "Asked:   %s\n", rec.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintln(out)
	for _, q := range clarify.QuestionTexts(rec.PendingQuestions) {
		fmt.Fprintf(out, "  ? %s\n", q)
	}
	for i, ans := range rec.Answers {
		fmt.Fprintf(out, "  %d. %s\n", i+1, ans)
	}
	return nil
}

func runClarifyClear(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	a.bridge.ClearClarification(args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared clarification for %s\n", args[0])
	return nil
}

func runConversationsList(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	list := a.convs.List()
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No open conversations.")
		return nil
	}
	for _, c := range list {
		fmt.Fprintf(cmd.OutOrStdout(), "#%-3d %-9s %-8s %s  %s\n",
			c.Number, c.Mode, c.Platform, c.LastActivity.Local().Format("2006-01-02 15:04"), c.Label)
	}
	return nil
}

func runConversationsClose(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid conversation number %q", args[0])
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}

	closed, err := a.convs.Close(n)
	if err != nil {
		return err
	}
	if !closed {
		fmt.Fprintf(cmd.OutOrStdout(), "No active conversation #%d.\n", n)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Conversation #%d closed.\n", n)
	return nil
}

func runRuns(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	runs, err := a.bridge.Runs()
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No recorded runs.")
		return nil
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-11s %-14s %s", r.RunID, r.Status, r.Key, r.StartedAt.Local().Format("2006-01-02 15:04"))
		if r.CostUSD > 0 {
			line += fmt.Sprintf("  $%.4f", r.CostUSD)
		}
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	runID := args[0]

	state, err := runstate.LoadRunState(runstate.GetRunStatePath(a.root, runID))
	if err != nil {
		return fmt.Errorf("failed to load run state: %w", err)
	}
	lg, err := ledger.ReadLedger(eventlog.PathFor(a.root, runID))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:     %s (%s)\n", state.RunID, state.Status)
	fmt.Fprintf(out, "Key:     %s\n", state.Key)
	fmt.Fprintf(out, "Prompt:  %s\n", state.Prompt)
	fmt.Fprintf(out, "Phases:  %s\n", strings.Join(lg.Phases(), " → "))
	fmt.Fprintf(out, "Cost:    $%.4f\n", lg.TotalCost())
	if state.Error != "" {
		fmt.Fprintf(out, "Error:   %s\n", state.Error)
	}
	fmt.Fprintln(out)

	formatter := transcript.NewFormatter(false)
	for _, rec := range lg.Records {
		if line := formatter.FormatProgress(rec.Type, rec.Data); line != "" {
			fmt.Fprintf(out, "%s %s\n", rec.At.Local().Format("15:04:05"), line)
		}
	}
	if lg.Torn {
		fmt.Fprintln(out, "(log ends mid-record)")
	}
	return nil
}
