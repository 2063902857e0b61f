package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	dryRun     bool
	debug      bool
}

// loadRuntime reads the configuration, applies command-line overrides and
// builds the process logger.
func loadRuntime(opts rootOptions, logOut io.Writer) (*Config, zerolog.Logger, error) {
	cfg, err := LoadConfig(opts.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if opts.dryRun {
		cfg.Scalper.DryRun = true
	}
	if opts.debug {
		cfg.Scalper.DebugMode = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(logOut, cfg.Scalper.DebugMode), nil
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	root := &cobra.Command{
		Use:          "scalper",
		Short:        "scalper repeatedly tries to check out the configured products.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			names := make([]string, 0, len(cfg.ProductInfos))
			for _, p := range cfg.ProductInfos {
				names = append(names, fmt.Sprintf("%s (%s x%d)", p.Name, p.PID, p.Quantity))
			}
			logger.Info().Msgf("Scalping %s.", strings.Join(names, ", "))
			if cfg.Scalper.DryRun {
				logger.Warn().Msg("Dry run: payments stop before 3-D Secure authentication.")
			}

			return RunWorkers(cmd.Context(), cfg, newBrowserFactory(cfg.Scalper, logger), logger)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Path to the configuration file")
	root.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "Stop before 3-D Secure authentication")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "basket",
		Short: "Prints the basket the configured account currently holds.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			s, err := NewScalper(cfg, cfg.ProductInfos[0], newBrowserFactory(cfg.Scalper, logger), logger)
			if err != nil {
				return err
			}
			defer s.browser.Close()

			basket, err := s.Inspect(cmd.Context())
			if err != nil {
				return err
			}
			printBasket(cmd.OutOrStdout(), basket)
			return nil
		},
	})

	return root
}

func printBasket(w io.Writer, basket *Basket) {
	if len(basket.Products) == 0 {
		fmt.Fprintln(w, "The basket is empty.")
		return
	}
	for _, line := range basket.Products {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", line.ID, line.Title, line.Price, line.FulfilmentChannel)
	}
	for _, pr := range basket.PaymentRequests {
		fmt.Fprintf(w, "payment request %s: %s\n", pr.ID, pr.Status)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
