package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"icsync/internal/engine"
	"icsync/internal/ics"
	"icsync/internal/model"
	"icsync/internal/syncer"
)

var validateCmd = &cobra.Command{
	Use:   "validate URL",
	Short: "Fetch and parse a feed without storing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("username")
		pass, _ := cmd.Flags().GetString("password")
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			opts, err := trustOptions(cmd, eng)
			if err != nil {
				return err
			}
			info := eng.Validate(ctx, args[0], user, pass, opts)
			printResource(info)
			if info.Failure != nil {
				return info.Failure
			}
			return nil
		})
	},
}

var addCmd = &cobra.Command{
	Use:   "add URL",
	Short: "Validate a feed and subscribe to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := subscriptionInput(cmd.Flags(), args[0])
		if err != nil {
			return err
		}
		skip, _ := cmd.Flags().GetBool("skip-validation")
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			if skip {
				id, err := eng.CreateSubscription(ctx, in)
				if err != nil {
					return err
				}
				fmt.Printf("Created subscription %d\n", id)
				return nil
			}
			opts, err := trustOptions(cmd, eng)
			if err != nil {
				return err
			}
			id, info, err := eng.AddSubscription(ctx, in, opts)
			printResource(info)
			if err != nil {
				return err
			}
			fmt.Printf("Created subscription %d\n", id)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions with their sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			subs, err := eng.Subscriptions(ctx)
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				fmt.Println("No subscriptions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCOLOR\tEVENTS\tINTERVAL\tLAST SYNC\tERROR\tURL")
			for _, s := range subs {
				interval := "-"
				if s.SyncIntervalSeconds != nil {
					interval = (time.Duration(*s.SyncIntervalSeconds) * time.Second).String()
				}
				last := "never"
				if s.LastSuccessAt != nil {
					last = s.LastSuccessAt.Local().Format(time.DateTime)
				}
				errMsg := s.ErrorMessage
				if errMsg == "" {
					errMsg = "-"
				}
				url := ics.RedactURL(s.URL)
				if s.Insecure {
					url += " (insecure)"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					s.ID, s.DisplayName, s.ColorHex, s.EventCount, interval, last, errMsg, url)
			}
			return w.Flush()
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit ID",
	Short: "Change a subscription's settings",
	Long: `Change a subscription's settings. Only the flags given are changed.
Pass --no-auth to remove stored credentials.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			cur, err := eng.Subscription(ctx, id)
			if err != nil {
				return err
			}
			in := engine.SubscriptionInput{
				SubscriptionFields: model.SubscriptionFields{
					URL:                       cur.URL,
					DisplayName:               cur.DisplayName,
					Color:                     cur.Color,
					IgnoreEmbeddedAlerts:      cur.IgnoreEmbeddedAlerts,
					DefaultAlarmMinutes:       cur.DefaultAlarmMinutes,
					DefaultAllDayAlarmMinutes: cur.DefaultAllDayAlarmMinutes,
					SyncIntervalSeconds:       cur.SyncIntervalSeconds,
				},
			}
			// --username or --password alone change one half of the
			// stored credential.
			cred, err := eng.Credential(ctx, id)
			if err != nil {
				return err
			}
			if cred != nil && (cmd.Flags().Changed("username") || cmd.Flags().Changed("password")) {
				in.Credential = &model.CredentialForm{RequiresAuth: true, Username: cred.Username, Password: cred.Password}
			}
			if err := applyFlags(cmd.Flags(), &in); err != nil {
				return err
			}
			if err := eng.UpdateSubscription(ctx, id, in); err != nil {
				return err
			}
			fmt.Printf("Updated subscription %d\n", id)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete ID",
	Aliases: []string{"rm"},
	Short:   "Delete a subscription and its stored events",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			if err := eng.DeleteSubscription(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Deleted subscription %d\n", id)
			return nil
		})
	},
}

var occurrencesCmd = &cobra.Command{
	Use:   "occurrences ID",
	Short: "Print event occurrences of a subscription in a time window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		days, _ := cmd.Flags().GetInt("days")
		tz, _ := cmd.Flags().GetString("tz")
		loc := time.Local
		if tz != "" {
			if loc, err = time.LoadLocation(tz); err != nil {
				return fmt.Errorf("unknown time zone %q: %w", tz, err)
			}
		}
		from := time.Now().In(loc)
		from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
		to := from.AddDate(0, 0, days)

		return withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
			res, err := eng.Occurrences(ctx, id, from, to, loc)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "START\tEND\tSUMMARY\tLOCATION")
			for _, o := range res.Occurrences {
				layout := "2006-01-02 15:04"
				if o.AllDay {
					layout = time.DateOnly
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					o.Start.In(loc).Format(layout), o.End.In(loc).Format(layout), o.Summary, o.Location)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, uid := range res.TruncatedEvents {
				fmt.Fprintf(os.Stderr, "warning: occurrences of %s were truncated\n", uid)
			}
			return nil
		})
	},
}

func init() {
	validateCmd.Flags().String("username", "", "user name for HTTP Basic authentication")
	validateCmd.Flags().String("password", "", "password for HTTP Basic authentication")
	addTrustFlags(validateCmd)

	addSubscriptionFlags(addCmd)
	addCmd.Flags().Bool("skip-validation", false, "store the subscription without fetching it first")
	addTrustFlags(addCmd)

	addSubscriptionFlags(editCmd)
	editCmd.Flags().String("url", "", "new feed URL")
	editCmd.Flags().Bool("no-auth", false, "remove stored credentials")
	editCmd.Flags().Bool("clear-interval", false, "use the global sync interval")

	occurrencesCmd.Flags().Int("days", 14, "number of days from today to expand")
	occurrencesCmd.Flags().String("tz", "", "IANA time zone for display (default local)")
}

func addSubscriptionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("name", "", "display name")
	f.String("color", "", "display color (CSS name, #RRGGBB or #AARRGGBB)")
	f.String("username", "", "user name for HTTP Basic authentication")
	f.String("password", "", "password for HTTP Basic authentication")
	f.Bool("ignore-alerts", false, "drop alarms embedded in the feed")
	f.Int("alarm", -1, "default alarm in minutes before timed events")
	f.Int("all-day-alarm", -1, "default alarm in minutes before all-day events")
	f.Duration("interval", 0, "per-subscription sync interval (e.g. 30m)")
}

func subscriptionInput(flags *pflag.FlagSet, url string) (engine.SubscriptionInput, error) {
	in := engine.SubscriptionInput{SubscriptionFields: model.SubscriptionFields{URL: url}}
	return in, applyFlags(flags, &in)
}

// applyFlags copies the flags the user actually set onto in.
func applyFlags(flags *pflag.FlagSet, in *engine.SubscriptionInput) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "url":
			in.URL = f.Value.String()
		case "name":
			in.DisplayName = f.Value.String()
		case "color":
			var c uint32
			if c, err = ics.ParseColor(f.Value.String()); err == nil {
				in.Color = &c
			}
		case "username":
			form := credentialForm(in)
			form.RequiresAuth = true
			form.Username = f.Value.String()
		case "password":
			form := credentialForm(in)
			form.RequiresAuth = true
			form.Password = f.Value.String()
		case "no-auth":
			in.Credential = &model.CredentialForm{}
		case "ignore-alerts":
			in.IgnoreEmbeddedAlerts, err = flags.GetBool("ignore-alerts")
		case "alarm":
			var n int
			if n, err = flags.GetInt("alarm"); err == nil {
				in.DefaultAlarmMinutes = minutes(n)
			}
		case "all-day-alarm":
			var n int
			if n, err = flags.GetInt("all-day-alarm"); err == nil {
				in.DefaultAllDayAlarmMinutes = minutes(n)
			}
		case "interval":
			var d time.Duration
			if d, err = flags.GetDuration("interval"); err == nil {
				secs := int64(d / time.Second)
				in.SyncIntervalSeconds = &secs
			}
		case "clear-interval":
			in.SyncIntervalSeconds = nil
		}
	})
	return err
}

// credentialForm returns the form to edit, creating an empty one when the
// input has none yet.
func credentialForm(in *engine.SubscriptionInput) *model.CredentialForm {
	if in.Credential == nil {
		in.Credential = &model.CredentialForm{}
	}
	return in.Credential
}

// minutes maps the "unset" sentinel -1 to nil.
func minutes(n int) *int {
	if n == -1 {
		return nil
	}
	return &n
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid subscription id %q", s)
	}
	return id, nil
}

func printResource(info ics.ResourceInfo) {
	if info.Failure != nil {
		fmt.Fprintf(os.Stderr, "Feed check failed: %s\n", info.Failure.Message())
		if c := info.Failure.Certificate; c != nil {
			printCertificate(c)
		}
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "URL:\t%s\n", ics.RedactURL(info.URI))
	if info.CalendarName != "" {
		fmt.Fprintf(w, "Calendar:\t%s\n", info.CalendarName)
	}
	if info.Color != nil {
		fmt.Fprintf(w, "Color:\t%s\n", ics.FormatColor(*info.Color))
	}
	fmt.Fprintf(w, "Events:\t%d\n", info.EventsFound)
	if info.Insecure {
		fmt.Fprintln(w, "Warning:\tcredentials would be sent without encryption")
	}
	_ = w.Flush()
}

func printCertificate(c *ics.CertificateInfo) {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "Subject:\t%s\n", c.Subject)
	fmt.Fprintf(w, "Issuer:\t%s\n", c.Issuer)
	fmt.Fprintf(w, "Valid:\t%s to %s\n", c.NotBefore.Format(time.DateOnly), c.NotAfter.Format(time.DateOnly))
	fmt.Fprintf(w, "SHA-256:\t%s\n", c.Fingerprint)
	_ = w.Flush()
	fmt.Fprintln(os.Stderr, "Re-run with --trust-once or --trust-always to accept this certificate.")
}

// trustOptions builds fetch options from the --interactive and --trust-*
// flags. --trust-always persists the fingerprint before fetching.
func trustOptions(cmd *cobra.Command, eng *engine.Engine) (syncer.Options, error) {
	f := cmd.Flags()
	interactive, _ := f.GetBool("interactive")
	once, _ := f.GetStringSlice("trust-once")
	always, _ := f.GetStringSlice("trust-always")
	for _, fp := range always {
		if err := eng.TrustCertificate(fp); err != nil {
			return syncer.Options{}, err
		}
	}
	return syncer.Options{
		Interactive:         interactive || len(once) > 0 || len(always) > 0,
		TrustedFingerprints: append(once, always...),
	}, nil
}

func addTrustFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("interactive", true, "show certificate details when verification fails")
	cmd.Flags().StringSlice("trust-once", nil, "accept a certificate fingerprint for this run only")
	cmd.Flags().StringSlice("trust-always", nil, "accept and remember a certificate fingerprint")
}
