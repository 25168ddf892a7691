package main

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"cinebot/internal/app"
	logx "cinebot/pkg/logx"
)

var (
	listOffset int
	listLimit  int
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the movie catalog",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cataloged movies, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := app.OpenMaintenance(configPath, logx.Nop())
		if err != nil {
			return err
		}
		defer m.Close()

		total, err := m.Store.Count(cmd.Context())
		if err != nil {
			return err
		}
		items, err := m.Store.List(cmd.Context(), listOffset, listLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, it := range items {
			state := "pending"
			if it.Published() {
				state = "published"
			}
			fmt.Fprintf(out, "%d\t%s\t%s\tadded %s\n", it.ExternalID, it.Title, state, humanize.Time(it.AddedAt))
		}
		fmt.Fprintf(out, "%s movies in catalog\n", humanize.Comma(int64(total)))
		return nil
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Read or change the daily auto-publication quota",
}

var quotaGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the daily quotas",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := app.OpenMaintenance(configPath, logx.Nop())
		if err != nil {
			return err
		}
		defer m.Close()

		items, stored, err := m.Settings.DailyItemQuota(cmd.Context())
		if err != nil {
			return err
		}
		extras, _, err := m.Settings.DailyAncillaryQuota(cmd.Context())
		if err != nil {
			return err
		}
		src := "default"
		if stored {
			src = "stored"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "items: %d (%s)\nancillary: %d\n", items, src, extras)
		return nil
	},
}

var quotaSetCmd = &cobra.Command{
	Use:   "set <n>",
	Short: "Store the daily item quota; 0 restores the default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Newf("quota must be a number: %q", args[0])
		}
		m, err := app.OpenMaintenance(configPath, logx.Nop())
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Settings.SetDailyItemQuota(cmd.Context(), n); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "items quota set to %d\n", n)
		return nil
	},
}

func init() {
	catalogListCmd.Flags().IntVar(&listOffset, "offset", 0, "skip this many movies")
	catalogListCmd.Flags().IntVar(&listLimit, "limit", 50, "show at most this many movies")
	catalogCmd.AddCommand(catalogListCmd)
	quotaCmd.AddCommand(quotaGetCmd, quotaSetCmd)
}
