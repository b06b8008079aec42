package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gigi-dev/gigi/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()

			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "config: %v\n", err)
				os.Exit(1)
			}

			// Open applies pending migrations.
			st, err := store.Open(cfg.Database.Path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
				os.Exit(1)
			}
			defer st.Close()
			fmt.Printf("database up to date: %s\n", cfg.Database.Path)
		},
	}
}
