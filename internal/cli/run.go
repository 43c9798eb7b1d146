package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/iambrandonn/pepper/internal/bridge"
	"github.com/iambrandonn/pepper/internal/pipeline"
	"github.com/iambrandonn/pepper/internal/progress"
	"github.com/iambrandonn/pepper/internal/supervisor"
	"github.com/iambrandonn/pepper/internal/transcript"
)

// defaultKey is the pipeline key used by one-shot runs so a pending
// clarification can be answered by the next invocation
const defaultKey = "cli:local"

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run one prompt through the pipeline",
	Long: `Run one prompt through the pipeline and print the response.

If the previous run under the same --key stopped to ask questions, the prompt
is taken as the answer and the paused session resumes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Handle a message the way a chat transport would",
	Long: `Handle a message the way a chat transport would. A leading number
selects a conversation ("2 what's next?"); "stop", "stop 2" and "close 2"
are commands.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	addRunFlags(runCmd)

	sendCmd.Flags().String("platform", "cli", "Platform name used in process keys")
	sendCmd.Flags().String("chat", "local", "Chat id used in process keys")
	sendCmd.Flags().Bool("quiet", false, "Do not print progress")
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("key", "k", defaultKey, "Pipeline key for kill and clarification tracking")
	cmd.Flags().String("resume", "", "Agent session id to resume")
	cmd.Flags().Duration("timeout", 0, "External timeout (default from config, 0 keeps it)")
	cmd.Flags().BoolP("quiet", "q", false, "Do not print progress")
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	key, _ := cmd.Flags().GetString("key")
	resume, _ := cmd.Flags().GetString("resume")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	quiet, _ := cmd.Flags().GetBool("quiet")

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return fmt.Errorf("prompt is required")
	}

	result, err := a.bridge.Execute(cmd.Context(), prompt, bridge.Options{
		OnProgress:      progressPrinter(cmd.ErrOrStderr(), quiet),
		Key:             key,
		ResumeSessionID: resume,
		Timeout:         timeout,
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
	if result.Status == pipeline.StatusNeedsInput {
		fmt.Fprintf(cmd.ErrOrStderr(), "\nAnswer with: pepper run --key %s \"<answer>\"\n", key)
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	platform, _ := cmd.Flags().GetString("platform")
	chat, _ := cmd.Flags().GetString("chat")
	quiet, _ := cmd.Flags().GetBool("quiet")

	reply := a.messenger.Handle(cmd.Context(), platform, chat, strings.Join(args, " "), progressPrinter(cmd.ErrOrStderr(), quiet))
	defer waitForLearning(a, cmd.ErrOrStderr())

	if reply.Silent {
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
	return nil
}

func printResult(w io.Writer, result *pipeline.Result) {
	if result.Status == pipeline.StatusNeedsInput {
		fmt.Fprintln(w, bridge.FormatQuestions(result.Questions))
		return
	}
	fmt.Fprintln(w, result.Response)
}

// progressPrinter renders progress lines to w, colored when w is a terminal
func progressPrinter(w io.Writer, quiet bool) progress.Sink {
	if quiet {
		return nil
	}
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	formatter := transcript.NewFormatter(color)

	var mu sync.Mutex
	return func(eventType string, data map[string]any) {
		line := formatter.FormatProgress(eventType, data)
		if line == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, line)
	}
}

// waitForLearning blocks until background learning finishes so its memory
// updates are not lost when the process exits
func waitForLearning(a *app, w io.Writer) {
	if !a.cfg.Pipeline.LearningEnabled {
		return
	}
	done := make(chan struct{})
	go func() {
		a.pipeline.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(200 * time.Millisecond):
	}
	fmt.Fprintln(w, "Saving what was learned...")
	<-done
}
