package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/ledger"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/daemon"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

func init() {
	earningsCmd.Flags().StringVar(&earningsSource, "source", "", "Filter by source (local, gateway)")
	earningsCmd.Flags().StringVar(&earningsTask, "task", "", "Filter by task id")
	earningsCmd.Flags().IntVar(&earningsLimit, "limit", 50, "Maximum rows")
	earningsCmd.Flags().BoolVar(&earningsJSON, "json", false, "Print JSON")
	earningsCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(earningsCmd)
}

var (
	earningsSource string
	earningsTask   string
	earningsLimit  int
	earningsJSON   bool
)

var earningsCmd = &cobra.Command{
	Use:   "earnings",
	Short: "List ledger earnings, newest first",
	RunE:  runEarnings,
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show task counts and earnings totals by source",
	RunE:  runSummary,
}

func runEarnings(cmd *cobra.Command, args []string) error {
	q := domain.EarningQuery{TaskID: earningsTask, Limit: earningsLimit}
	var err error
	if q.Source, err = parseSource(earningsSource); err != nil {
		return err
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	es, err := d.Earnings.List(cmd.Context(), q)
	if err != nil {
		return err
	}
	if earningsJSON {
		return printJSON(os.Stdout, es)
	}

	if len(es) == 0 {
		fmt.Println("No earnings recorded yet.")
		return nil
	}

	var total float64
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tTASK\tBLOCK\tJOB\tUPDATED")
	for i, e := range es {
		total += es[i].Total()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.Source,
			orDash(e.TaskID),
			formatRewards(e.BlockRewards),
			formatRewards(e.JobRewards),
			formatTime(e.UpdatedAt),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %s\n", formatRewards(total))
	return nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	sum, err := ledger.Summarize(cmd.Context(), d.Tasks, d.Earnings)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tPENDING\tRUNNING\tCOMPLETED\tFAILED\tEARNINGS\tBLOCK\tJOB")
	for _, src := range []domain.Source{domain.SourceLocal, domain.SourceGateway} {
		counts := sum.Tasks[src]
		totals := sum.Earnings[src]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			src,
			counts[domain.TaskPending],
			counts[domain.TaskRunning],
			counts[domain.TaskCompleted],
			counts[domain.TaskFailed],
			totals.Count,
			formatRewards(totals.BlockRewards),
			formatRewards(totals.JobRewards),
		)
	}
	return w.Flush()
}
