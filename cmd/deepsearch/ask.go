package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
	"github.com/tjfontaine/deepsearch-client/internal/session"
)

var (
	askTimeout time.Duration
	askOnce    bool
	askJSON    bool
	askOpts    domain.ResearchOptions
	askFormat  string
)

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Research a question and print the report",
	Long: `Ask streams a research query to the engine, printing each stage as it
happens. Interrupt with Ctrl-C to stop the research early.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 0, "Stop the research after this long (0 for no limit)")
	askCmd.Flags().BoolVar(&askOnce, "once", false, "Wait for the whole result instead of streaming progress")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the final session as JSON")
	askCmd.Flags().IntVar(&askOpts.InitialSearchQueryCount, "queries", 0, "Initial search queries to generate")
	askCmd.Flags().IntVar(&askOpts.MaxResearchLoops, "loops", 0, "Maximum research loops")
	askCmd.Flags().StringVar(&askOpts.ReasoningModel, "model", "", "Reasoning model")
	askCmd.Flags().StringVar(&askFormat, "format", "", "Report format: formal or casual")
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	query := strings.Join(args, " ")
	opts := askOpts
	opts.ReportFormat = domain.ReportFormat(askFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if askTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, askTimeout)
		defer cancel()
	}

	orch := a.orchestrator()
	defer orch.Close()

	out := cmd.OutOrStdout()
	var s domain.Session
	if askOnce {
		s, err = orch.RunOnce(ctx, query, opts)
	} else {
		s, err = stream(ctx, orch, out, query, opts)
	}
	if errors.Is(err, domain.ErrCancelled) {
		err = nil
	}

	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(s); encErr != nil {
			return encErr
		}
	} else {
		if askOnce {
			printTranscript(out, s.Transcript)
		}
		printResult(out, s)
	}

	if err != nil {
		return err
	}
	if s.Status == domain.StatusFailed {
		return errors.New(s.Error)
	}
	return nil
}

// stream submits query and prints transcript entries as they arrive, until
// the session ends.
func stream(ctx context.Context, orch *session.Orchestrator, out io.Writer, query string, opts domain.ResearchOptions) (domain.Session, error) {
	ended := make(chan struct{})
	var once sync.Once
	unsubscribe := orch.Subscribe(func(u session.Update) {
		if u.Entry != nil && !askJSON {
			printEntry(out, *u.Entry)
		}
		if u.Status.IsTerminal() {
			once.Do(func() { close(ended) })
		}
	})
	defer unsubscribe()

	if _, err := orch.Submit(ctx, query, opts); err != nil {
		return orch.Snapshot(), err
	}
	<-ended
	return orch.Snapshot(), nil
}

func printTranscript(w io.Writer, entries []domain.TranscriptEntry) {
	for _, e := range entries {
		printEntry(w, e)
	}
}

func printEntry(w io.Writer, e domain.TranscriptEntry) {
	switch e.Role {
	case domain.RoleAsk:
		fmt.Fprintf(w, "> %s\n", e.Content)
	case domain.RolePlan:
		fmt.Fprintf(w, "  %s\n", e.Content)
		if plan, ok := e.Data.(*domain.ResearchPlan); ok {
			for _, topic := range plan.SubTopics {
				fmt.Fprintf(w, "    - %s\n", topic)
			}
		}
	default:
		fmt.Fprintf(w, "  %s\n", e.Content)
	}
}

func printResult(w io.Writer, s domain.Session) {
	if len(s.Transcript) == 0 {
		return
	}
	c, ok := s.Transcript[len(s.Transcript)-1].Data.(*domain.Completion)
	if !ok {
		return
	}

	report := c.Result.MarkdownReport
	if report == "" {
		report = c.Result.Answer
	}
	fmt.Fprintf(w, "\n%s\n", report)

	sources := c.Result.Sources
	if len(sources) == 0 {
		sources = c.Result.AllSources
	}
	if len(sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for i, src := range sources {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, src.Link())
		}
	}
	fmt.Fprintf(w, "\n%d sources, %d characters, %d tokens\n", c.Stats.Sources, c.Stats.Characters, c.Stats.Tokens)
}
