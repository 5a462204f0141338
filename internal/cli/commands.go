package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/freshness/internal/client"
)

func healthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show API and model status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return writeJSON(out, health)
			}

			fmt.Fprintf(out, "status:       %s\n", health.Status)
			fmt.Fprintf(out, "model loaded: %t\n", health.ModelLoaded)
			fmt.Fprintf(out, "model path:   %s\n", health.ModelPath)
			if health.DemoMode {
				fmt.Fprintln(out, "demo mode:    on")
			}
			if health.ModelDigest != "" {
				fmt.Fprintf(out, "digest:       %s\n", health.ModelDigest)
			}
			if health.Status != "healthy" {
				return fmt.Errorf("api is %s", health.Status)
			}
			return nil
		},
	}
}

type predictOutput struct {
	File          string  `json:"file"`
	DaysRemaining float64 `json:"days_remaining"`
	DemoMode      bool    `json:"demo_mode,omitempty"`
	Band          string  `json:"band,omitempty"`
	Error         string  `json:"error,omitempty"`
}

func predictCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "predict <image>...",
		Short: "Predict days until spoiled for one or more images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			out := cmd.OutOrStdout()

			results := make([]predictOutput, 0, len(args))
			failed := 0
			for _, path := range args {
				res := predictFile(cmd, c, path)
				if res.Error != "" {
					failed++
				}
				results = append(results, res)
				if !opts.asJSON {
					printPrediction(out, res)
				}
			}

			if opts.asJSON {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d prediction(s) failed", failed, len(args))
			}
			return nil
		},
	}
}

func predictFile(cmd *cobra.Command, c *client.Client, path string) predictOutput {
	res := predictOutput{File: path}

	f, err := os.Open(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer f.Close()

	prediction, err := c.Predict(cmd.Context(), filepath.Base(path), f)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.DaysRemaining = prediction.DaysRemaining
	res.DemoMode = prediction.DemoMode
	res.Band = client.FreshnessBand(prediction.DaysRemaining)
	return res
}

func printPrediction(w io.Writer, res predictOutput) {
	if res.Error != "" {
		fmt.Fprintf(w, "%s: error: %s\n", res.File, res.Error)
		return
	}
	suffix := ""
	if res.DemoMode {
		suffix = " [demo]"
	}
	fmt.Fprintf(w, "%s: %.1f days%s  %s\n", res.File, res.DaysRemaining, suffix, res.Band)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
