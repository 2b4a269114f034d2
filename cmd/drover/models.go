package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/llm"
)

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List known models from the built-in catalog",
		Long: `List the models the catalog knows about. The --provider flag narrows the
listing. Models outside the catalog still work; they fall back to the
configured context_window for budget sizing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			models := llm.ListModels(flagProvider)
			if len(models) == 0 {
				return fmt.Errorf("no models known for provider %q", flagProvider)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tCONTEXT\tTOOLS\tREASONING\tALIASES")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					m.ID, m.Provider, m.ContextWindow,
					yesNo(m.SupportsTools), yesNo(m.SupportsReasoning),
					strings.Join(m.Aliases, ", "))
			}
			return w.Flush()
		},
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "-"
}
