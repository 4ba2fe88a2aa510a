package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberflow/ember/internal/config"
	"github.com/emberflow/ember/internal/proactive"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and cancel scheduled proactive messages",
	}
	cmd.AddCommand(scheduleListCmd())
	cmd.AddCommand(scheduleCancelCmd())
	return cmd
}

func scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <conversation-key>",
		Short: "List pending proactive messages for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, closer, err := openScheduler()
			if err != nil {
				return err
			}
			defer closer()

			pending, err := sched.ListPending(context.Background(), args[0])
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("no pending proactive messages")
				return nil
			}
			for _, m := range pending {
				when := time.UnixMilli(m.ScheduledAt).Local().Format(time.RFC3339)
				recur := ""
				if m.Recur != "" {
					recur = " (recurring " + m.Recur + ")"
				}
				fmt.Printf("%s  %s%s  %s\n", m.PublicID, when, recur, m.Content)
			}
			return nil
		},
	}
}

func scheduleCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel scheduled proactive messages by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, closer, err := openScheduler()
			if err != nil {
				return err
			}
			defer closer()

			if err := sched.Cancel(context.Background(), args); err != nil {
				return err
			}
			fmt.Printf("cancelled %d message(s)\n", len(args))
			return nil
		},
	}
}

func openScheduler() (*proactive.Scheduler, func() error, error) {
	cfg, err := config.Load(config.ExpandHome(resolveConfigPath()))
	if err != nil {
		return nil, nil, err
	}
	stores, err := openStores(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return proactive.NewScheduler(stores.Proactive), stores.Close, nil
}
