package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"claimbot/internal/autorun"
)

// targetCmd prints the deterministic daily slot of one account, the same
// value the sweep engine computes.
func targetCmd() *cobra.Command {
	var (
		userID    string
		accountID string
		date      string
		tz        string
		startHour int
		spread    int
	)
	def := autorun.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "target",
		Short: "Print the daily target minute of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(userID) == "" || strings.TrimSpace(accountID) == "" {
				return errors.New("--user and --account are required")
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("--tz: %w", err)
			}
			day := strings.TrimSpace(date)
			if day == "" {
				day = autorun.LocalDay(time.Now(), loc)
			} else if _, err := time.ParseInLocation(time.DateOnly, day, loc); err != nil {
				return fmt.Errorf("--date: want YYYY-MM-DD, got %q", date)
			}
			if spread <= 0 {
				return errors.New("--spread must be > 0")
			}

			h := autorun.NormalizeStartHour(startHour)
			m := autorun.TargetMinute(userID, accountID, day, h, spread)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %02d:%02d (minute %d, %s)\n", day, (m/60)%24, m%60, m, loc)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (Telegram chat id)")
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().StringVar(&date, "date", "", "local day YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&tz, "tz", def.Location.String(), "IANA time zone")
	cmd.Flags().IntVar(&startHour, "start-hour", def.StartHour, "window start hour 0-24")
	cmd.Flags().IntVar(&spread, "spread", def.SpreadMinutes, "window length in minutes")
	return cmd
}
