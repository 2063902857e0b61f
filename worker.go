package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// handle applies an outcome's bookkeeping: counters, cache clears and the
// pause after a provisional success.
func (s *Scalper) handle(ctx context.Context, outcome Outcome) {
	switch outcome.Kind {
	case OutcomeRetryable:
		count, shouldClear := s.failures.Increment(outcome.Category)
		s.log.Error().Err(outcome.Err).
			Str("category", string(outcome.Category)).
			Msgf("-> %s failure %d time%s.", outcome.Category, count, plural(count))
		if shouldClear {
			s.clearCache(outcome.Category.ClearScope())
		}
	case OutcomeAborted:
		s.log.Error().Stack().Err(outcome.Err).Msgf("Aborted attempt #%d.", s.attempts)
	case OutcomeProvisionalSuccess:
		s.failures.Reset()
		logSuccess(s.log).Msgf("-> SUCCESS? Check for a 3-D Secure prompt from your card issuer. Pausing for %s…", s.successPause)
		_ = s.sleep(ctx, s.successPause)
	}
}

// Run attempts checkout until ctx is cancelled. Every outcome, including a
// provisional success, is followed by another attempt.
func (s *Scalper) Run(ctx context.Context) error {
	// recycling swaps s.browser, so resolve it at exit
	defer func() { s.browser.Close() }()

	for ctx.Err() == nil {
		s.handle(ctx, s.Attempt(ctx))
		if err := s.sleep(ctx, s.attemptDelay); err != nil {
			break
		}
	}
	s.log.Info().Msgf("Stopped after %d attempt%s.", s.attempts, plural(s.attempts))
	return nil
}

// RunWorkers runs one independent scalper per configured product and
// waits for all of them to stop.
func RunWorkers(ctx context.Context, cfg *Config, newBrowser func() Browser, logger zerolog.Logger) error {
	width := cfg.longestProductName()

	scalpers := make([]*Scalper, 0, len(cfg.ProductInfos))
	for _, product := range cfg.ProductInfos {
		s, err := NewScalper(cfg, product, newBrowser, workerLogger(logger, product, width))
		if err != nil {
			return err
		}
		scalpers = append(scalpers, s)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range scalpers {
		s := s
		g.Go(func() error {
			return s.Run(ctx)
		})
	}
	return g.Wait()
}
