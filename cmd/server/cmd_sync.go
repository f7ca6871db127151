package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"possync/backend/internal/domain"
	"possync/backend/internal/metrics"
	"possync/backend/internal/status"
	"possync/backend/internal/statusbus"
)

// possync sync: run one cycle now and print its result.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle against the configured store and print the result",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		pub := status.New(a.bus(ctx), a.logger)
		syncer, _ := a.syncer(pub, metrics.New())
		result, err := syncer.ForceSyncNow(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if result.Outcome == domain.OutcomeError {
			return fmt.Errorf("sync failed: %s", result.Error)
		}
		return nil
	},
}

var statusWatch bool

// possync status: show the status last published by a running server, or
// the local pending counts when no status bus is configured.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync status of a running server (Redis) or the local pending counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		rb, ok := a.bus(ctx).(*statusbus.RedisBus)
		if !ok {
			if statusWatch {
				return errors.New("--watch needs REDIS_ADDR pointing at the server's Redis")
			}
			counts, err := a.svc.PendingCounts(ctx)
			if err != nil {
				return err
			}
			return printCounts(counts)
		}

		latest, found, err := rb.Latest(ctx)
		if err != nil {
			return err
		}
		if found {
			if err := printJSON(latest); err != nil {
				return err
			}
		} else {
			fmt.Println("no status published yet")
		}
		if !statusWatch {
			return nil
		}

		events, err := rb.Subscribe(ctx)
		if err != nil {
			return err
		}
		for event := range events {
			fmt.Printf("%s  %s\n", event.At.Local().Format("15:04:05"), event.Message)
		}
		return nil
	},
}

var pendingKind string

// possync pending: list records waiting to be pushed.
var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show how many records of each kind wait for sync, or list them with --kind",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if pendingKind == "" {
			counts, err := a.svc.PendingCounts(ctx)
			if err != nil {
				return err
			}
			return printCounts(counts)
		}

		records, err := a.svc.PendingSync(ctx, domain.EntityKind(pendingKind))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tVERSION")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\n", r.RecordID(), r.SyncVersion().Format("2006-01-02T15:04:05.000000Z07:00"))
		}
		return w.Flush()
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or change a setting in the local store",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		value, err := a.svc.GetSetting(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Change a setting, e.g. supabase_url or tax_rate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		return a.svc.SetSetting(ctx, args[0], args[1])
	},
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "keep printing status events")
	pendingCmd.Flags().StringVarP(&pendingKind, "kind", "k", "", "list pending records of one kind (products, categories, customers, sales)")
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

func printCounts(counts map[domain.EntityKind]int) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "KIND\tPENDING")
	for _, kind := range domain.SyncKinds {
		fmt.Fprintf(w, "%s\t%d\n", kind, counts[kind])
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
