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
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/saleshub/api-go/internal/automation"
	"github.com/example/saleshub/api-go/internal/display"
	"github.com/example/saleshub/api-go/internal/model"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var processType, payloadFlag, userName string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Queue and run an automation, following its progress",
		Long: "Joins the queue, waits for this client's turn, starts the job and streams its progress.\n" +
			"Interrupting detaches; the job keeps its place and `saleshub resume` picks it up again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(payloadFlag, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if userName == "" {
				userName = ctx.cfg.UserName
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := ctx.registry()
			if err := reg.Add(display.ActiveProcess{
				ID:          uuid.NewString(),
				ProcessType: processType,
				UserName:    userName,
				UserID:      ctx.userID,
				StartedAt:   time.Now().UTC(),
			}); err != nil {
				ctx.logger.Debug("record active process", zap.Error(err))
			}

			o := ctx.orchestrator(processType, newProgressPrinter(cmd.OutOrStdout()).print)
			result, err := o.Start(runCtx, userName, payload)
			return settleRun(cmd, reg, processType, result, err)
		},
	}
	cmd.Flags().StringVarP(&processType, "type", "t", model.ProcessROMGenerator, "Process type")
	cmd.Flags().StringVarP(&payloadFlag, "payload", "p", "", "Job payload as JSON, @file, or @- for stdin")
	cmd.Flags().StringVar(&userName, "name", "", "Display name (defaults to user_name from config)")
	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	var processType string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Follow an interrupted automation by polling its job status",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			o := ctx.orchestrator(processType, newProgressPrinter(cmd.OutOrStdout()).print)
			result, err := o.Resume(runCtx)
			if errors.Is(err, automation.ErrNoActiveRun) {
				fmt.Fprintf(cmd.OutOrStdout(), "No %s automation to resume\n", processType)
				return nil
			}
			return settleRun(cmd, ctx.registry(), processType, result, err)
		},
	}
	cmd.Flags().StringVarP(&processType, "type", "t", model.ProcessROMGenerator, "Process type")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	var processType string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an in-flight automation and leave the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			o := ctx.orchestrator(processType, nil)
			err := o.Cancel(cmd.Context())
			if errors.Is(err, automation.ErrNoActiveRun) {
				fmt.Fprintf(cmd.OutOrStdout(), "No %s automation in flight\n", processType)
				return nil
			}
			if err != nil {
				return err
			}
			_ = ctx.registry().Remove(processType)
			fmt.Fprintf(cmd.OutOrStdout(), "Canceled %s automation\n", processType)
			return nil
		},
	}
	cmd.Flags().StringVarP(&processType, "type", "t", model.ProcessROMGenerator, "Process type")
	return cmd
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	var processType string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget local automation state without contacting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx.orchestrator(processType, nil).Reset()
			_ = ctx.registry().Remove(processType)
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared local %s state\n", processType)
			return nil
		},
	}
	cmd.Flags().StringVarP(&processType, "type", "t", model.ProcessROMGenerator, "Process type")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		processType string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the locally persisted automation state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, ok := ctx.orchestrator(processType, nil).Persisted()
			out := cmd.OutOrStdout()
			if asJSON {
				if !ok {
					return writeJSON(cmd, map[string]any{"processType": processType, "phase": automation.PhaseIdle})
				}
				return writeJSON(cmd, map[string]any{"processType": processType, "jobId": st.JobID, "state": st})
			}
			if !ok {
				fmt.Fprintf(out, "No %s automation in flight\n", processType)
				return nil
			}
			rows := [][]string{
				{"Process", processType},
				{"Phase", string(st.Phase)},
				{"Progress", fmt.Sprintf("%.0f%%", st.Progress)},
				{"Step", st.CurrentStep},
				{"Updated", st.Timestamp.Local().Format(time.DateTime)},
			}
			if st.QueueInfo != nil {
				rows = append(rows, []string{"Queue position", fmt.Sprintf("%d", st.QueueInfo.Position+1)})
			}
			if st.JobID != "" {
				rows = append(rows, []string{"Job", st.JobID})
			}
			fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().StringVarP(&processType, "type", "t", model.ProcessROMGenerator, "Process type")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

// settleRun reports a finished Start or Resume. A detached run stays in the
// active-process registry.
func settleRun(cmd *cobra.Command, reg *display.Registry, processType string, result json.RawMessage, err error) error {
	out := cmd.OutOrStdout()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintf(out, "Detached. Run `saleshub resume --type %q` to follow the job.\n", processType)
		return nil
	}
	var failed *automation.FailedError
	if errors.As(err, &failed) && failed.Unconfirmed() {
		fmt.Fprintf(out, "Queue entry kept. Run `saleshub resume --type %q` to retry or `saleshub cancel --type %q` to give up.\n", processType, processType)
		return err
	}
	_ = reg.Remove(processType)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Completed")
	if len(result) > 0 {
		var pretty any
		if json.Unmarshal(result, &pretty) == nil {
			return writeJSON(cmd, pretty)
		}
	}
	return nil
}

func readPayload(flag string, stdin io.Reader) (json.RawMessage, error) {
	flag = strings.TrimSpace(flag)
	var raw []byte
	switch {
	case flag == "":
		raw = []byte("{}")
	case flag == "@-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = data
	case strings.HasPrefix(flag, "@"):
		data, err := os.ReadFile(flag[1:])
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = data
	default:
		raw = []byte(flag)
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// progressPrinter writes one line per visible state change.
type progressPrinter struct {
	out  io.Writer
	last string
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

func (p *progressPrinter) print(s automation.State) {
	var line string
	switch s.Phase {
	case automation.PhaseJoiningQueue:
		line = "Joining queue..."
	case automation.PhaseWaitingInQueue:
		if s.QueueInfo != nil {
			line = fmt.Sprintf("Waiting in queue: position %d", s.QueueInfo.Position+1)
		}
	case automation.PhaseRunning:
		line = fmt.Sprintf("[%3.0f%%] %s", s.Progress, s.CurrentStep)
	}
	if line == "" || line == p.last {
		return
	}
	p.last = line
	fmt.Fprintln(p.out, line)
}
