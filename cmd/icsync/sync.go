package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"icsync/internal/engine"
	"icsync/internal/ics"
	"icsync/internal/scheduler"
	"icsync/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync [ID...]",
	Short: "Sync subscriptions now",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) > 0) {
			return errors.New("pass subscription ids or --all")
		}
		ids := make([]int64, 0, len(args))
		for _, a := range args {
			id, err := parseID(a)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			opts, err := trustOptions(cmd, eng)
			if err != nil {
				return err
			}
			var results []syncer.Result
			if all {
				results, err = eng.RequestManualSyncAll(ctx, opts)
				if err != nil {
					return err
				}
			} else {
				for _, id := range ids {
					res, err := eng.RequestManualSync(ctx, id, opts)
					switch {
					case errors.Is(err, engine.ErrNotFound), errors.Is(err, scheduler.ErrUnknownSubscription):
						res = syncer.Result{SubscriptionID: id, Error: "no such subscription"}
					case errors.Is(err, scheduler.ErrAlreadyRunning):
						res = syncer.Result{SubscriptionID: id, Error: "already syncing"}
					case err != nil:
						return err
					}
					results = append(results, res)
				}
			}
			return printResults(results)
		})
	},
}

var intervalCmd = &cobra.Command{
	Use:   "interval [DURATION|off]",
	Short: "Show or set the global periodic sync interval",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			if len(args) == 0 {
				secs, err := eng.SyncInterval(ctx)
				if err != nil {
					return err
				}
				fmt.Println(formatInterval(secs))
				return nil
			}

			var secs *int64
			if args[0] != "off" {
				d, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid interval %q: %w", args[0], err)
				}
				n := int64(d / time.Second)
				secs = &n
			}
			if err := eng.SetSyncInterval(ctx, secs); err != nil {
				return err
			}
			fmt.Println("Sync interval:", formatInterval(secs))
			return nil
		})
	},
}

var trustCmd = &cobra.Command{
	Use:   "trust FINGERPRINT",
	Short: "Always accept a server certificate with this SHA-256 fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			if err := eng.TrustCertificate(args[0]); err != nil {
				return err
			}
			fmt.Println("Certificate trusted")
			return nil
		})
	},
}

var networkAvailableCmd = &cobra.Command{
	Use:   "network-available",
	Short: "Retry subscriptions whose last sync failed with a network error",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			ids, err := eng.NetworkAvailable(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("Nothing to retry")
				return nil
			}
			// Results are collected from the stored status once the
			// background runs finish.
			eng.Wait()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tRESULT\tERROR")
			for _, id := range ids {
				st, err := eng.Status(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", id, st.State, dash(string(st.LastResult)), dash(st.ErrorMessage))
			}
			return w.Flush()
		})
	},
}

func init() {
	syncCmd.Flags().Bool("all", false, "sync every subscription")
	addTrustFlags(syncCmd)
}

func printResults(results []syncer.Result) error {
	var failed int
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tNEW\tCHANGED\tREMOVED\tERROR")
	for _, r := range results {
		msg := r.Error
		if r.Failure != nil {
			msg = r.Failure.Message()
		}
		if msg != "" {
			failed++
		}
		status := string(r.Status)
		if status == "" {
			status = "error"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\n",
			r.SubscriptionID, status, r.Stats.Inserted, r.Stats.Updated, r.Stats.Deleted, dash(msg))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, r := range results {
		if r.Certificate != nil {
			fmt.Fprintf(os.Stderr, "\nSubscription %d presented an untrusted certificate:\n", r.SubscriptionID)
			printCertificate(r.Certificate)
		}
		if r.Failure != nil && r.Failure.Kind == ics.KindUnauthorized {
			fmt.Fprintf(os.Stderr, "Subscription %d needs credentials: icsync edit %d --username USER --password PASS\n",
				r.SubscriptionID, r.SubscriptionID)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d subscriptions failed", failed, len(results))
	}
	return nil
}

func formatInterval(secs *int64) string {
	if secs == nil {
		return "off"
	}
	return (time.Duration(*secs) * time.Second).String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
