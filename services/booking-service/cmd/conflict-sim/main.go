// Command conflict-sim races booking requests for the same slot against a
// running booking-service and reports whether the slot was ever double booked.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/md-rashed-zaman/slotbook/libs/runtime"
)

var errDoubleBooked = errors.New("double booking detected")

func main() {
	_ = runtime.LoadDotEnv(".env")
	ctx, stop := runtime.SignalContext()
	defer stop()

	if err := newRootCommand(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "conflict-sim",
		Short:         "Race booking requests for one slot and check that at most one wins",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("base-url", "http://localhost:8083", "booking-service base url")
	flags.String("provider", "demo", "provider id")
	flags.String("date", time.Now().AddDate(0, 0, 1).Format(time.DateOnly), "appointment date (YYYY-MM-DD)")
	flags.String("start", "14:00:00", "slot start time")
	flags.Float64("duration", 1, "duration in hours")
	flags.StringSlice("users", []string{"sim-user-1", "sim-user-2"}, "user ids that compete for the slot")
	flags.String("token", "", "bearer token; when empty the X-User-Id header is sent")
	flags.Duration("timeout", 10*time.Second, "per-request timeout")

	v.SetEnvPrefix("conflict_sim")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)

	root.AddCommand(newSimultaneousCommand(v), newSequentialCommand(v), newPurgeCommand(v))
	return root
}

func clientAndInput(v *viper.Viper) (*bookClient, bookInput, []string, error) {
	users := v.GetStringSlice("users")
	if len(users) < 2 {
		return nil, bookInput{}, nil, fmt.Errorf("at least two users are required (got %d)", len(users))
	}
	in := bookInput{
		ProviderID:    v.GetString("provider"),
		Date:          v.GetString("date"),
		StartTime:     v.GetString("start"),
		DurationHours: v.GetFloat64("duration"),
	}
	c := newBookClient(v.GetString("base-url"), v.GetString("token"), v.GetDuration("timeout"))
	return c, in, users, nil
}

func newSimultaneousCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simultaneous",
		Short: "Fire every user's booking at the same instant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, in, users, err := clientAndInput(v)
			if err != nil {
				return err
			}
			trials := v.GetInt("trials")
			reset, _ := cmd.Flags().GetBool("reset")
			if trials > 1 && !reset {
				return fmt.Errorf("--trials > 1 needs --reset so each trial starts from a free slot")
			}

			out := cmd.OutOrStdout()
			doubled := 0
			for i := 1; i <= trials; i++ {
				attempts := simultaneous(cmd.Context(), c, in, users)
				verdict := summarize(attempts)
				fmt.Fprintf(out, "trial %d %s %s %s\n", i, in.ProviderID, in.Date, in.StartTime)
				printAttempts(out, attempts)
				printVerdict(out, verdict)
				if verdict.DoubleBooked() {
					doubled++
				}
				if reset {
					if err := release(cmd.Context(), c, attempts); err != nil {
						return err
					}
				}
			}
			fmt.Fprintf(out, "%d trial(s), %d double booking(s)\n", trials, doubled)
			if doubled > 0 {
				return errDoubleBooked
			}
			return nil
		},
	}
	cmd.Flags().Int("trials", 1, "number of races to run")
	cmd.Flags().Bool("reset", false, "cancel the winning booking after each trial")
	_ = v.BindPFlag("trials", cmd.Flags().Lookup("trials"))
	return cmd
}

func newSequentialCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequential",
		Short: "Book for each user in turn; every request after the first should conflict",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, in, users, err := clientAndInput(v)
			if err != nil {
				return err
			}
			attempts := sequential(cmd.Context(), c, in, users, v.GetDuration("gap"))
			verdict := summarize(attempts)
			out := cmd.OutOrStdout()
			printAttempts(out, attempts)
			printVerdict(out, verdict)
			if reset, _ := cmd.Flags().GetBool("reset"); reset {
				if err := release(cmd.Context(), c, attempts); err != nil {
					return err
				}
			}
			if verdict.DoubleBooked() {
				return errDoubleBooked
			}
			return nil
		},
	}
	cmd.Flags().Duration("gap", 100*time.Millisecond, "pause between requests")
	cmd.Flags().Bool("reset", false, "cancel the winning booking afterwards")
	_ = v.BindPFlag("gap", cmd.Flags().Lookup("gap"))
	return cmd
}

func newPurgeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete the provider's appointments on the test date from Postgres",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			n, err := purge(ctx, v.GetString("database-url"), v.GetString("provider"), v.GetString("date"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d appointment(s) for %s on %s\n", n, v.GetString("provider"), v.GetString("date"))
			return nil
		},
	}
	cmd.Flags().String("database-url", "", "postgres url (defaults to DATABASE_URL)")
	_ = v.BindPFlag("database-url", cmd.Flags().Lookup("database-url"))
	_ = v.BindEnv("database-url", "CONFLICT_SIM_DATABASE_URL", "DATABASE_URL")
	return cmd
}
