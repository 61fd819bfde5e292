package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/igorao79/soulcycle/pkg/config"
	storesqlite "github.com/igorao79/soulcycle/pkg/store/sqlite"
)

func newCacheCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the persistent cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show persistent cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, cfg, err := openSQLiteCache(flags)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			stats, err := b.Stats()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Database:\t%s\n", cfg.DBPath)
			fmt.Fprintf(w, "Entries:\t%s\n", humanize.Comma(stats.Entries))
			size := humanize.Bytes(uint64(stats.Bytes))
			if cfg.Cache.MaxBytes > 0 {
				size += " of " + humanize.Bytes(uint64(cfg.Cache.MaxBytes))
			}
			fmt.Fprintf(w, "Size:\t%s\n", size)
			if stats.Entries > 0 {
				fmt.Fprintf(w, "Oldest:\t%s\n", humanize.Time(stats.Oldest))
				fmt.Fprintf(w, "Newest:\t%s\n", humanize.Time(stats.Newest))
			}
			fmt.Fprintf(w, "TTL:\t%s\n", cfg.Cache.TTL)
			return w.Flush()
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, cfg, err := openSQLiteCache(flags)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			var olderThan time.Duration
			if expiredOnly {
				olderThan = cfg.Cache.TTL
			}
			n, err := b.Clear(olderThan)
			if err != nil {
				return err
			}
			if expiredOnly {
				fmt.Printf("%s expired cache entries cleared.\n", humanize.Comma(n))
			} else {
				fmt.Printf("All %s cache entries cleared.\n", humanize.Comma(n))
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear entries older than the cache TTL")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

// openSQLiteCache opens the on-disk cache tier directly, without the rest of
// the app.
func openSQLiteCache(flags *rootFlags) (*storesqlite.Backend, *config.Config, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Cache.Storage != config.StorageSQLite {
		return nil, nil, fmt.Errorf("cache.storage is %q; only the sqlite store persists between runs", cfg.Cache.Storage)
	}
	b, err := storesqlite.New(cfg.DBPath, cfg.Cache.MaxBytes)
	if err != nil {
		return nil, nil, err
	}
	return b, cfg, nil
}
