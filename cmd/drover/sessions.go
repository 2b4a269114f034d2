package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/config"
	"github.com/droverhq/drover/loop"
	"github.com/droverhq/drover/store"
)

func sessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored session transcripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.Sessions(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no sessions recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tSTARTED\tDURATION\tTASK")
			for _, rec := range records {
				duration := "running"
				if !rec.EndedAt.IsZero() {
					duration = rec.EndedAt.Sub(rec.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.State,
					rec.StartedAt.Local().Format("2006-01-02 15:04"),
					duration, truncate(rec.Task, 48))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list (0 for all)")
	cmd.AddCommand(sessionsShowCmd())

	return cmd
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Replay one session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			rec, err := st.Session(ctx, args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("session %s not found", args[0])
			}

			fmt.Printf("session %s\nstate: %s\ntask: %s\n", rec.ID, rec.State, rec.Task)

			turns, err := st.Turns(ctx, rec.ID)
			if err != nil {
				return err
			}
			for i, turn := range turns {
				fmt.Printf("\n--- turn %d [%s] %s\n", i, turn.Kind, turn.Timestamp.Local().Format(time.TimeOnly))
				if text := turn.TextContent(); text != "" {
					fmt.Println(text)
				}
				if turn.Kind == loop.TurnAssistant && turn.Assistant != nil {
					for _, c := range turn.Assistant.NativeCalls {
						fmt.Printf("[native call %s %s]\n", c.Name, c.Arguments)
					}
					for _, c := range turn.Assistant.EmbeddedCalls {
						fmt.Printf("[embedded call %s]\n", c.Name)
					}
				}
			}

			compactions, err := st.Compactions(ctx, rec.ID)
			if err != nil {
				return err
			}
			for _, c := range compactions {
				fmt.Printf("\n[compaction before turn %d: %d messages, %d -> %d tokens]\n",
					c.AtTurn, c.Result.SummarizedMessages, c.Result.TokensBefore, c.Result.TokensAfter)
			}
			return nil
		},
	}
}

// openStore resolves the transcript database path from flags, environment,
// and the config file, in that order of precedence.
func openStore() (*store.SQLite, error) {
	settings := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		settings = loaded
	}
	if err := settings.ApplyEnv(); err != nil {
		return nil, err
	}
	if flagStore != "" {
		settings.StorePath = flagStore
	}
	if settings.StorePath == "" {
		return nil, fmt.Errorf("no transcript store configured; pass --store or set DROVER_STORE")
	}
	return store.Open(settings.StorePath)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
