package main

import (
	"context"
	"time"

	"github.com/ansel1/merry"
	"github.com/rs/zerolog"
)

const (
	browserSettleDelay  = 10 * time.Second
	successPause        = 60 * time.Second
	browserRecycleEvery = 10000
)

type OutcomeKind int

const (
	// OutcomeEnded: the attempt stopped at a business failure that was
	// already logged. Nothing is counted.
	OutcomeEnded OutcomeKind = iota
	// OutcomeRetryable: a counted failure; see Outcome.Category.
	OutcomeRetryable
	// OutcomeAborted: the credentials were unusable and the whole cache was dropped.
	OutcomeAborted
	// OutcomeProvisionalSuccess: payment was handed off to the gateway.
	OutcomeProvisionalSuccess
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeEnded:
		return "ended"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeAborted:
		return "aborted"
	case OutcomeProvisionalSuccess:
		return "provisional_success"
	}
	return "invalid"
}

// Outcome is what one checkout attempt amounted to.
type Outcome struct {
	Kind     OutcomeKind
	Category FailureCategory
	Err      error
}

func retryable(category FailureCategory, err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Category: category, Err: err}
}

// Scalper runs checkout attempts for one product. It is not safe for
// concurrent use; every worker owns its own.
type Scalper struct {
	product  ProductInfo
	user     UserInfo
	sortBy   string
	api      *RetailerClient
	payments *PaymentBridge
	notifier *Notifier
	cache    *CredentialCache
	failures FailureCounters

	browser    Browser
	newBrowser func() Browser

	attempts int
	log      zerolog.Logger

	attemptDelay time.Duration
	settleDelay  time.Duration
	successPause time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewScalper(cfg *Config, product ProductInfo, newBrowser func() Browser, logger zerolog.Logger) (*Scalper, error) {
	api, err := NewRetailerClient(&cfg.Scalper, logger)
	if err != nil {
		return nil, err
	}

	s := &Scalper{
		product:      product,
		user:         cfg.UserInfo,
		sortBy:       cfg.Scalper.DeliverySortMethod,
		api:          api,
		notifier:     NewNotifier(cfg.IFTTT),
		failures:     FailureCounters{},
		browser:      newBrowser(),
		newBrowser:   newBrowser,
		log:          logger,
		attemptDelay: cfg.Scalper.AttemptDelay(),
		settleDelay:  browserSettleDelay,
		successPause: successPause,
		sleep:        sleepContext,
	}
	s.cache = NewCredentialCache(s)
	s.payments = NewPaymentBridge(cfg, s.notify, logger)
	return s, nil
}

func (s *Scalper) notify(ctx context.Context) error {
	return s.notifier.Notify(ctx, s.product.Name)
}

func (s *Scalper) fetchBaseCookies(ctx context.Context) (map[string]string, error) {
	s.log.Debug().Msgf("-> Getting the base required cookies (involves waiting %s)…", s.settleDelay)

	if err := s.browser.ClearCookies(); err != nil {
		return nil, err
	}
	if err := s.browser.Navigate(ctx, s.api.LoginURL()); err != nil {
		return nil, err
	}
	if err := s.sleep(ctx, s.settleDelay); err != nil {
		return nil, err
	}
	cookies, err := s.browser.Cookies()
	if err != nil {
		return nil, err
	}
	if len(cookies) == 0 {
		s.log.Warn().Msg("-> No base required cookies found.")
	}
	s.log.Debug().Msgf("-> Got %d base cookie%s.", len(cookies), plural(len(cookies)))
	return cookies, nil
}

func (s *Scalper) fetchStoreToken(ctx context.Context, baseCookies map[string]string) (string, error) {
	if err := s.api.ResetCookies(baseCookies); err != nil {
		return "", err
	}
	return s.api.LoginStoreToken(ctx, s.user)
}

func (s *Scalper) fetchBasketID(ctx context.Context) (string, error) {
	return s.api.GetBasketID(ctx)
}

func (s *Scalper) wipeBrowserCookies() error {
	return s.browser.ClearCookies()
}

// clearCache drops cached credentials, restarts failure counting and
// empties the session's cookies.
func (s *Scalper) clearCache(scope CacheScope) {
	applied, err := s.cache.Invalidate(scope)
	s.log.Debug().Msgf("-> Clearing the cache (scope: %s)…", applied)
	if err != nil {
		s.log.Warn().Err(err).Msg("-> Failed to clear the browser cookies.")
	}
	s.failures.Reset()
	if err := s.api.ResetCookies(nil); err != nil {
		s.log.Warn().Err(err).Msg("-> Failed to reset the session cookies.")
	}
}

func (s *Scalper) recycleBrowser() {
	s.log.Info().Msgf("-> Recreating the browser after %d attempts…", s.attempts)
	s.browser.Close()
	s.browser = s.newBrowser()
}

// Attempt runs one checkout attempt end to end. It never panics and never
// returns an error: everything is folded into the Outcome.
func (s *Scalper) Attempt(ctx context.Context) (outcome Outcome) {
	s.attempts++
	s.log.Info().Msgf("Attempt #%d…", s.attempts)

	defer func() {
		if r := recover(); r != nil {
			outcome = retryable(FailureUnknown, merry.Errorf("panic: %v", r))
		}
	}()

	if s.attempts%browserRecycleEvery == 0 {
		s.recycleBrowser()
	}

	outcome, err := s.checkout(ctx)
	if err == nil {
		return outcome
	}
	switch {
	case ctx.Err() != nil:
		return Outcome{Kind: OutcomeEnded, Err: ctx.Err()}
	case merry.Is(err, ErrLoginTokenMissing):
		s.clearCache(ScopeAll)
		return Outcome{Kind: OutcomeAborted, Err: err}
	default:
		return retryable(classifyFailure(err), err)
	}
}

func (s *Scalper) end(err error, format string, args ...interface{}) (Outcome, error) {
	s.log.Error().Msgf(format, args...)
	return Outcome{Kind: OutcomeEnded, Err: err}, nil
}

func statusError(step string, res *Response) error {
	return ErrUnexpectedHTTPStatus.Here().Appendf("%s [%d]", step, res.StatusCode)
}

// checkout walks the basket through to payment. A returned error is a fault
// the caller classifies; business failures come back as an Outcome.
func (s *Scalper) checkout(ctx context.Context) (Outcome, error) {
	cookies, err := s.cache.RequiredCookies(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.api.ResetCookies(cookies); err != nil {
		return Outcome{}, err
	}

	res, err := s.api.AddProduct(ctx, s.product)
	if err != nil {
		return Outcome{}, err
	}
	if !res.OK() {
		return retryable(FailureAddToBasket, statusError("add to basket", res)), nil
	}
	s.log.Info().Msg("-> Added the product to the basket.")

	basketID, err := s.cache.BasketID(ctx)
	if err != nil {
		return Outcome{}, err
	}

	res, err = s.api.SetQuantity(ctx, s.product, basketID)
	if err != nil {
		return Outcome{}, err
	}
	if !res.OK() {
		return retryable(FailureSetQuantity, statusError("set quantity", res)), nil
	}
	s.log.Info().Msgf("-> Set the product quantity to %d.", s.product.Quantity)

	basket, err := res.Basket()
	if err != nil {
		return Outcome{}, err
	}
	line, outcome, err := s.reconcile(ctx, basket, basketID)
	if line == nil || err != nil {
		return outcome, err
	}

	if line.FulfilmentChannel != homeDelivery {
		res, err = s.api.SetHomeDelivery(ctx, s.product, basketID)
		if err != nil {
			return Outcome{}, err
		}
		if !res.OK() {
			return s.end(statusError("home delivery", res), "-> Failed to set the delivery method to home delivery [%d].", res.StatusCode)
		}
		s.log.Info().Msg("-> Set the delivery method to home delivery.")
	} else {
		s.log.Info().Msg("-> Delivery method is already home delivery.")
	}

	// state is the most recent response describing the whole basket
	state, outcome, err := s.arrangeDelivery(ctx, basketID)
	if state == nil || err != nil {
		return outcome, err
	}

	if s.product.OfferCode != "" {
		res, err = s.api.ApplyOfferCode(ctx, s.product, basketID)
		if err != nil {
			return Outcome{}, err
		}
		if !res.OK() {
			s.log.Warn().Msgf("-> Failed to apply offer code '%s' [%d].", s.product.OfferCode, res.StatusCode)
		} else {
			offered, err := res.Basket()
			if err != nil {
				return Outcome{}, err
			}
			s.log.Info().Msgf("-> Applied offer code '%s' (discount: %s).", s.product.OfferCode, offered.TotalDiscountAmount)
			state = res
		}
	}

	if err := s.invalidatePaymentRequests(ctx, state, basketID); err != nil {
		return Outcome{}, err
	}

	res, err = s.api.CreateOrder(ctx, basketID)
	if err != nil {
		return Outcome{}, err
	}
	if !res.OK() {
		return s.end(statusError("create order", res), "-> Failed to create the order [%d].", res.StatusCode)
	}
	s.log.Info().Msg("-> Created the order.")

	res, err = s.api.CreatePaymentRequest(ctx, basketID)
	if err != nil {
		return Outcome{}, err
	}
	if !res.OK() {
		return s.end(statusError("create payment request", res), "-> Failed to create the payment request [%d].", res.StatusCode)
	}
	s.log.Info().Msg("-> Created the payment request.")

	requested, err := res.Basket()
	if err != nil {
		return Outcome{}, err
	}
	return s.pay(ctx, requested)
}

// reconcile leaves the target product as the only basket line. A nil line
// means the attempt has ended and the returned outcome says how.
func (s *Scalper) reconcile(ctx context.Context, basket *Basket, basketID string) (*BasketLine, Outcome, error) {
	var target *BasketLine
	for i := range basket.Products {
		line := basket.Products[i]
		if line.ID == s.product.PID {
			target = &basket.Products[i]
			s.log.Info().Msgf("-> Product '%s' costs %s.", line.Title, line.Price)
			continue
		}

		res, err := s.api.DeleteProduct(ctx, line, basketID)
		if err != nil {
			return nil, Outcome{}, err
		}
		if !res.OK() {
			outcome, _ := s.end(statusError("delete product", res), "-> Failed to delete product '%s' (%s) from the basket [%d].", line.Title, line.ID, res.StatusCode)
			return nil, outcome, nil
		}
		s.log.Info().Msgf("-> Deleted product '%s' (%s) from the basket.", line.Title, line.ID)
	}

	if target == nil {
		outcome, _ := s.end(merry.Errorf("product %s not in basket", s.product.PID), "-> Failed to locate the product in the basket.")
		return nil, outcome, nil
	}
	return target, Outcome{}, nil
}

// arrangeDelivery sets the delivery location and picks a slot for every
// consignment that lacks one. It returns the last basket-state response,
// or nil when the attempt has ended.
func (s *Scalper) arrangeDelivery(ctx context.Context, basketID string) (*Response, Outcome, error) {
	res, err := s.api.GetConsignments(ctx, s.user, basketID)
	if err != nil {
		return nil, Outcome{}, err
	}
	if !res.OK() {
		outcome, _ := s.end(statusError("consignments", res), "-> Failed to get the consignments [%d].", res.StatusCode)
		return nil, outcome, nil
	}
	state := res

	basket, err := res.Basket()
	if err != nil {
		return nil, Outcome{}, err
	}
	if len(basket.Consignments) == 0 {
		outcome, _ := s.end(ErrNoDeliverySlot.Here().Append("no consignments"), "-> No consignments found.")
		return nil, outcome, nil
	}

	for _, consignment := range basket.Consignments {
		kind := consignment.ID.Type
		if !consignment.needsSlot() {
			s.log.Info().Msgf("-> Consignment '%s' is ready for delivery.", kind)
			continue
		}
		if len(consignment.AvailableDeliverySlots) == 0 {
			outcome, _ := s.end(ErrNoDeliverySlot.Here().Append(kind), "-> No delivery slots available for consignment '%s'.", kind)
			return nil, outcome, nil
		}

		// an unknown policy is reported here and still falls back to price_low_high
		slot, fellBack, ok, err := SelectDeliverySlot(consignment.AvailableDeliverySlots, s.sortBy)
		if err != nil {
			s.log.Error().Err(err).Msg("-> Failed to sort the delivery slots.")
		}
		if fellBack && ok {
			s.log.Warn().Msgf("-> No slot matched '%s'; falling back to '%s'.", s.sortBy, SortPriceLowHigh)
		}
		if !ok {
			outcome, _ := s.end(ErrNoDeliverySlot.Here().Append(kind), "-> No suitable delivery slot for consignment '%s'.", kind)
			return nil, outcome, nil
		}

		res, err = s.api.SetDeliverySlot(ctx, kind, slot, basketID)
		if err != nil {
			return nil, Outcome{}, err
		}
		if !res.OK() {
			outcome, _ := s.end(statusError("delivery slot", res), "-> Failed to set the delivery slot for consignment '%s' [%d].", kind, res.StatusCode)
			return nil, outcome, nil
		}
		state = res
		s.log.Info().Msgf("-> Set delivery slot for consignment '%s' to %s @ %s (costs %s).", kind, slot.Date, slot.TimeSlot, slot.Price)
	}
	return state, Outcome{}, nil
}

// invalidatePaymentRequests fails every stale payment request so a fresh
// one can be created. Individual failures are only logged.
func (s *Scalper) invalidatePaymentRequests(ctx context.Context, state *Response, basketID string) error {
	basket, err := state.Basket()
	if err != nil {
		return err
	}
	for _, pr := range basket.PaymentRequests {
		if pr.Status == "failed" {
			continue
		}
		res, err := s.api.InvalidatePaymentRequest(ctx, pr.ID, basketID)
		if err != nil {
			return err
		}
		if !res.OK() {
			s.log.Warn().Msgf("-> Failed to invalidate payment request '%s' [%d].", pr.ID, res.StatusCode)
			continue
		}
		s.log.Info().Msgf("-> Invalidated payment request '%s'.", pr.ID)
	}
	return nil
}

func (s *Scalper) pay(ctx context.Context, basket *Basket) (Outcome, error) {
	for _, pr := range basket.PaymentRequests {
		if pr.Status != "new" {
			continue
		}
		paymentURL := pr.PaymentMethodRequestData.PaymentURL
		res, err := s.payments.Submit(ctx, s.browser, paymentURL)
		if err != nil {
			return Outcome{}, err
		}
		if res != nil {
			return s.end(statusError("payment", res), "-> Failed to submit payment due to an invalid response from '%s' [%d].", res.URL, res.StatusCode)
		}
		s.log.Info().Msg("-> Submitted payment for the basket.")
		return Outcome{Kind: OutcomeProvisionalSuccess}, nil
	}
	return s.end(merry.New("no new payment request"), "-> No new payment request to pay.")
}

// Inspect loads the credentials and returns the current basket without
// changing it.
func (s *Scalper) Inspect(ctx context.Context) (*Basket, error) {
	cookies, err := s.cache.RequiredCookies(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.api.ResetCookies(cookies); err != nil {
		return nil, err
	}
	basketID, err := s.cache.BasketID(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.api.GetBasket(ctx, basketID)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, statusError("basket", res)
	}
	return res.Basket()
}
