package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/pepper/internal/bridge"
	"github.com/iambrandonn/pepper/internal/runstate"
	"github.com/iambrandonn/pepper/internal/supervisor"
)

var resumeCmd = &cobra.Command{
	Use:   "resume --run <run-id> <answer>",
	Short: "Answer the questions of a paused run",
	Long: `Answer the questions of a run that stopped with needs_input. The answer
resumes the run's agent session under the run's original key.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringP("run", "r", "", "Run ID to resume (required)")
	resumeCmd.Flags().BoolP("quiet", "q", false, "Do not print progress")
	resumeCmd.MarkFlagRequired("run")
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	runID, err := cmd.Flags().GetString("run")
	if err != nil {
		return err
	}
	quiet, _ := cmd.Flags().GetBool("quiet")

	state, err := runstate.LoadRunState(runstate.GetRunStatePath(a.root, runID))
	if err != nil {
		return fmt.Errorf("failed to load run state: %w", err)
	}

	switch state.Status {
	case runstate.StatusNeedsInput:
	case runstate.StatusCompleted:
		a.logger.Info("run already completed", "run_id", runID)
		return nil
	default:
		return fmt.Errorf("run %s is %s, only runs waiting for input can be resumed", runID, state.Status)
	}

	a.logger.Info("resuming run", "run_id", runID, "key", state.Key, "session", state.SessionID)

	// The pending clarification, when still present, carries the original
	// prompt and session. The recorded session covers an expired one.
	result, err := a.bridge.Execute(cmd.Context(), strings.Join(args, " "), bridge.Options{
		OnProgress:      progressPrinter(cmd.ErrOrStderr(), quiet),
		Key:             state.Key,
		ResumeSessionID: state.SessionID,
	})
	defer waitForLearning(a, cmd.ErrOrStderr())
	if err != nil {
		if errors.Is(err, supervisor.ErrStopped) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Stopped.")
			return nil
		}
		return errors.New(bridge.UserError(err))
	}

	printResult(cmd.OutOrStdout(), result)
	return nil
}
