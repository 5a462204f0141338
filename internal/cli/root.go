package cli

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/freshness/internal/client"
	"github.com/example/freshness/internal/logging"
)

type globalOptions struct {
	apiURL  string
	apiKey  string
	timeout time.Duration
	retries uint64
	asJSON  bool
	debug   bool
}

func Execute() {
	_ = godotenv.Load()
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:          "freshctl",
		Short:        "freshctl queries the freshness prediction API",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.apiURL, "api-url", envOr("API_URL", client.DefaultURL), "Base URL of the prediction API")
	cmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("API_KEY"), "Shared secret sent as X-API-Key")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Per-request timeout")
	cmd.PersistentFlags().Uint64Var(&opts.retries, "retries", 3, "Retries on network errors and 502/503/504")
	cmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "Print raw JSON responses")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Log retries to stderr")

	cmd.AddCommand(healthCmd(opts))
	cmd.AddCommand(predictCmd(opts))
	return cmd
}

func (o *globalOptions) client() *client.Client {
	logger := zap.NewNop()
	if o.debug {
		if l, err := logging.NewLogger("debug"); err == nil {
			logger = l
		}
	}
	return client.New(client.Config{
		BaseURL:    o.apiURL,
		APIKey:     o.apiKey,
		Timeout:    o.timeout,
		MaxRetries: o.retries,
		Logger:     logger,
	})
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
