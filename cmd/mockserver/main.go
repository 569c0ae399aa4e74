// Command mockserver runs a local stand-in for the companion service,
// useful for developing the client without the real backend.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ai-companion/client/internal/mockserver"
)

func main() {
	var (
		addr   string
		dbPath string
	)

	cmd := &cobra.Command{
		Use:   "mockserver",
		Short: "Run a local mock of the companion service",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

			if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
				return err
			}
			repo, err := mockserver.OpenRepository(dbPath)
			if err != nil {
				return err
			}
			defer repo.Close()

			srv := mockserver.New(repo, mockserver.Options{Logger: log})
			log.Info().Str("addr", addr).Msg("mock companion service listening")
			return srv.Run(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	cmd.Flags().StringVar(&dbPath, "db", "data/mockserver.db", "SQLite database path")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
