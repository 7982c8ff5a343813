package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/saleshub/api-go/internal/display"
	"github.com/example/saleshub/api-go/internal/model"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the shared automation queue",
	}
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueJoinCommand(ctx))
	queueCmd.AddCommand(newQueueLeaveCommand(ctx))
	queueCmd.AddCommand(newQueuePositionCommand(ctx))
	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the queue merged with processes started here",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := ctx.api.ListQueue(cmd.Context())
			if err != nil {
				return fmt.Errorf("list queue: %w", err)
			}
			entries := display.Merge(snap.Queue, ctx.registry().List(), time.Now(), ctx.cfg.DisplayMaxAge.Duration)

			if asJSON {
				return writeJSON(cmd, entries)
			}
			out := cmd.OutOrStdout()
			if snap.Degraded != "" {
				fmt.Fprintf(out, "warning: %s; the queue shown may be incomplete\n", snap.Degraded)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}
			color := shouldColorize(out)
			rows := make([][]string, 0, len(entries))
			for i, e := range entries {
				name := e.UserName
				if e.UserID == ctx.userID {
					name = highlight(name+" (you)", color)
				}
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					name,
					e.ProcessType,
					e.Status,
					e.JoinedAt.Local().Format(time.Kitchen),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "User", "Process", "Status", "Joined"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newQueueJoinCommand(ctx *commandContext) *cobra.Command {
	var processType, userName string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join the queue without starting a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userName == "" {
				userName = ctx.cfg.UserName
			}
			snap, err := ctx.api.JoinQueue(cmd.Context(), ctx.userID, userName, processType)
			if err != nil {
				return fmt.Errorf("join queue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), describePosition(snap.Position, len(snap.Queue)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&processType, "type", "t", model.ProcessROMGenerator, "Process type")
	cmd.Flags().StringVar(&userName, "name", "", "Display name (defaults to user_name from config)")
	return cmd
}

func newQueueLeaveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "leave",
		Short: "Leave the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := ctx.api.LeaveQueue(cmd.Context(), ctx.userID)
			if err != nil {
				return fmt.Errorf("leave queue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Left the queue (%d still waiting)\n", len(snap.Queue))
			return nil
		},
	}
}

func newQueuePositionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "position",
		Short: "Show this client's queue position",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := ctx.api.CheckStatus(cmd.Context(), ctx.userID)
			if err != nil {
				return fmt.Errorf("check queue: %w", err)
			}
			if snap.Degraded != "" {
				return fmt.Errorf("check queue: %s", snap.Degraded)
			}
			fmt.Fprintln(cmd.OutOrStdout(), describePosition(snap.Position, len(snap.Queue)))
			return nil
		},
	}
}

func describePosition(pos, total int) string {
	switch {
	case pos < 0:
		return "Not in the queue"
	case pos == 0:
		return "You are next (position 1 of " + strconv.Itoa(total) + ")"
	}
	return fmt.Sprintf("Waiting: position %d of %d", pos+1, total)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
