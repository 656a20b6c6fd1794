package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chronod/internal/app"
	"chronod/internal/task/registry"
	"chronod/pkg/logx"
)

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List registered tasks from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.OpenStore(flagConfig)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			recs, err := registry.New(st, 0, logx.Nop()).All(ctx)
			if err != nil {
				return fmt.Errorf("read registry: %w", err)
			}

			if len(recs) == 0 {
				fmt.Println("No tasks registered.")
				return nil
			}

			fmt.Printf("%-24s  %-6s  %-12s  %-16s  %-6s  %-8s  %s\n", "NAME", "SLOT", "INTERVAL", "POLICY", "ACTIVE", "ONE-TIME", "REGISTERED")
			fmt.Printf("%-24s  %-6s  %-12s  %-16s  %-6s  %-8s  %s\n", "----", "----", "--------", "------", "------", "--------", "----------")
			for _, r := range recs {
				fmt.Printf("%-24s  %-6d  %-12s  %-16s  %-6t  %-8t  %s\n",
					r.Name, r.Slot, r.Interval, r.Policy, r.Active, r.OneTime,
					r.RegisteredAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
}
