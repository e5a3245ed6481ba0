package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/daemon"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

func init() {
	tasksCmd.Flags().StringVar(&tasksSource, "source", "", "Filter by source (local, gateway)")
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "Filter by status, comma separated")
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 50, "Maximum rows")
	tasksCmd.Flags().BoolVar(&tasksJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(tasksCmd)
}

var (
	tasksSource string
	tasksStatus string
	tasksLimit  int
	tasksJSON   bool
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List ledger tasks, newest first",
	RunE:  runTasks,
}

func runTasks(cmd *cobra.Command, args []string) error {
	q := domain.TaskQuery{Limit: tasksLimit}
	var err error
	if q.Source, err = parseSource(tasksSource); err != nil {
		return err
	}
	if q.Statuses, err = parseStatuses(tasksStatus); err != nil {
		return err
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	tasks, err := d.Tasks.List(cmd.Context(), q)
	if err != nil {
		return err
	}
	if tasksJSON {
		return printJSON(os.Stdout, tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tMODEL\tKIND\tTOKENS IN/OUT\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			t.ID,
			t.Source,
			t.Status,
			orDash(t.Model),
			orDash(t.Kind),
			t.PromptEvalCount,
			t.EvalCount,
			formatTime(t.CreatedAt),
		)
	}
	return w.Flush()
}
