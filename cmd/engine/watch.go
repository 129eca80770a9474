package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"trading-valuation/internal/model"
	redisstore "trading-valuation/internal/store/redis"
)

func newWatchCmd() *cobra.Command {
	var (
		addr     string
		password string
		db       int
		follow   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print published valuations from Redis as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := redisstore.Connect(redisstore.Config{Addr: addr, Password: password, DB: db})
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			reader := redisstore.NewReader(client)
			enc := json.NewEncoder(cmd.OutOrStdout())

			latest, err := reader.Latest(ctx)
			if err != nil {
				return err
			}
			for _, r := range latest {
				enc.Encode(r)
			}
			if !follow {
				return nil
			}

			results := make(chan model.ValuationResult, 256)
			errc := make(chan error, 1)
			go func() { errc <- reader.Watch(ctx, results) }()
			for {
				select {
				case r := <-results:
					enc.Encode(r)
				case err := <-errc:
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	cmd.Flags().StringVar(&password, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	cmd.Flags().IntVar(&db, "redis-db", 0, "Redis database")
	cmd.Flags().BoolVarP(&follow, "follow", "f", true, "keep streaming new results")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
