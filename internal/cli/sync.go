package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/gatewaysync"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/daemon"
)

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(sweepCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one task and earnings sync against the gateway",
	RunE:  runSync,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail local tasks left running past the stale timeout",
	RunE:  runSweep,
}

func runSync(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	if !d.Config.Device.IsRegistered() {
		fmt.Println("Device not registered. Run 'sight register --gateway <url> --key <key>' first.")
		return nil
	}

	tasks, err := d.Sync.SyncTasks(cmd.Context())
	if err != nil {
		return fmt.Errorf("task sync: %w", err)
	}
	printResult("tasks", tasks)

	earnings, err := d.Sync.SyncEarnings(cmd.Context())
	if err != nil {
		return fmt.Errorf("earnings sync: %w", err)
	}
	printResult("earnings", earnings)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	n, err := d.Sync.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Swept %d stale task(s)\n", n)
	return nil
}

func printResult(job string, r gatewaysync.Result) {
	fmt.Printf("%-9s fetched %d  created %d  updated %d  skipped %d  failed %d\n",
		job+":", r.Fetched, r.Created, r.Updated, r.Skipped, r.Failed)
}
