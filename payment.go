package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ansel1/merry"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	gatewayTimeout     = 20 * time.Second
	defaultGatewayHost = "payments.worldpay.com"
	gatewaySessionName = "JSESSIONID"
)

var (
	gatewayActionRe = regexp.MustCompile(`^/(\S+)/([\d\-]+)/\S+$`)
	iframeKeyPathRe = regexp.MustCompile(`src="\S+/payment/auth/(\S+)/iframe"`)
)

// gatewayForm is what the hosted payment page tells us about itself.
type gatewayForm struct {
	CSRF       string
	APIPath    string
	APIVersion string
}

// extractGatewayForm reads the CSRF token and the versioned API prefix
// from the hosted payment page.
func extractGatewayForm(html []byte) (gatewayForm, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return gatewayForm{}, merry.Prependf(err, "failed to parse payment page")
	}

	var form gatewayForm
	if csrf, ok := doc.Find(`input[name="_csrf"]`).First().Attr("value"); ok {
		form.CSRF = csrf
	} else {
		return gatewayForm{}, ErrPatternNotFound.Here().Append("_csrf input")
	}

	doc.Find("form[action]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		m := gatewayActionRe.FindStringSubmatch(s.AttrOr("action", ""))
		if m == nil {
			return true
		}
		form.APIPath, form.APIVersion = m[1], m[2]
		return false
	})
	if form.APIPath == "" {
		return gatewayForm{}, ErrPatternNotFound.Here().Append("versioned form action")
	}
	return form, nil
}

func extractIframeKeyPath(html []byte) (string, bool) {
	m := iframeKeyPathRe.FindSubmatch(html)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

// gatewayHost picks the first URL segment naming the gateway domain.
func gatewayHost(paymentURL, domain string) string {
	for _, segment := range strings.Split(paymentURL, "/") {
		if domain != "" && strings.Contains(segment, domain) {
			return segment
		}
	}
	return defaultGatewayHost
}

func gatewayScheme(paymentURL string) string {
	if u, err := url.Parse(paymentURL); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	return "https"
}

// PaymentBridge drives the card gateway's hosted payment page: card type
// lookup, card submission, and the 3-D Secure hand-off to the browser.
type PaymentBridge struct {
	direct  *resty.Client
	follow  *resty.Client
	payment PaymentInfo
	domain  string
	dryRun  bool
	notify  func(ctx context.Context) error
	log     zerolog.Logger
}

func NewPaymentBridge(cfg *Config, notify func(ctx context.Context) error, logger zerolog.Logger) *PaymentBridge {
	// the gateway session travels as an explicit cookie, never through a jar
	newClient := func() *resty.Client {
		c := resty.New().
			SetCookieJar(nil).
			SetHeader("User-Agent", defaultUserAgent).
			SetTimeout(gatewayTimeout)
		if !cfg.Scalper.SSLVerify {
			c.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
		}
		return c
	}

	direct := newClient().SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}))

	return &PaymentBridge{
		direct:  direct,
		follow:  newClient(),
		payment: cfg.PaymentInfo,
		domain:  cfg.Scalper.GatewayDomain,
		dryRun:  cfg.Scalper.DryRun,
		notify:  notify,
		log:     logger,
	}
}

func (p *PaymentBridge) request(ctx context.Context, client *resty.Client, sessionID string) *resty.Request {
	req := client.R().SetContext(ctx)
	if sessionID != "" {
		req.SetCookie(&http.Cookie{Name: gatewaySessionName, Value: sessionID})
	}
	return req
}

// Submit pays for the order behind paymentURL. A nil response with a nil
// error means the payment was handed off (or skipped in dry-run mode) and
// the caller should treat it as a provisional success. A non-nil response
// is the first gateway reply that was not usable.
func (p *PaymentBridge) Submit(ctx context.Context, browser Browser, paymentURL string) (*Response, error) {
	p.log.Debug().Msgf("-> Getting the payment page '%s'…", paymentURL)

	res, err := p.request(ctx, p.direct, "").Get(paymentURL)
	if err != nil {
		return nil, merry.Prependf(err, "GET %s", paymentURL)
	}
	page := newResponse(res)
	if !page.OK() {
		return page, nil
	}
	sessionID, ok := page.Cookie(gatewaySessionName)
	if !ok {
		return nil, ErrPatternNotFound.Here().Append(gatewaySessionName)
	}

	form, err := extractGatewayForm(page.Body)
	if err != nil {
		return nil, err
	}
	apiURL := gatewayScheme(paymentURL) + "://" + gatewayHost(paymentURL, p.domain) + "/" + form.APIPath + "/" + form.APIVersion

	p.log.Debug().Msg("-> Getting the card type…")
	res, err = p.request(ctx, p.direct, sessionID).
		SetFormData(map[string]string{"cardNumber": p.payment.CardNumber}).
		Post(apiURL + "/rest/cardtypes")
	if err != nil {
		return nil, merry.Prependf(err, "POST %s/rest/cardtypes", apiURL)
	}
	cardTypes := newResponse(res)
	if !cardTypes.OK() || len(cardTypes.Body) == 0 {
		return cardTypes, nil
	}
	var cardType struct {
		CardType struct {
			Type string `json:"type"`
		} `json:"cardType"`
	}
	if err := cardTypes.decode(&cardType); err != nil {
		return nil, err
	}
	p.log.Debug().Msgf("-> Card type = '%s'.", cardType.CardType.Type)

	p.log.Debug().Msg("-> Submitting card details…")
	res, err = p.request(ctx, p.follow, sessionID).
		SetFormData(map[string]string{
			"selectedPaymentMethodName":  cardType.CardType.Type,
			"cardNumber":                 p.payment.CardNumber,
			"cardholderName":             p.payment.CardholderName,
			"expiryDate.expiryMonth":     p.payment.ExpiryMonth,
			"expiryDate.expiryYear":      p.payment.ExpiryYear,
			"securityCodeVisibilityType": "MANDATORY",
			"mandatoryForUnknown":        "True",
			"securityCode":               p.payment.SecurityCode,
			"dfReferenceId":              "",
			"tmxSessionId":               "",
			"_csrf":                      form.CSRF,
			"ajax":                       "True",
		}).
		Post(apiURL + "/payment/multicard/process")
	if err != nil {
		return nil, merry.Prependf(err, "POST %s/payment/multicard/process", apiURL)
	}
	processed := newResponse(res)
	if !processed.OK() || len(processed.Body) == 0 {
		return processed, nil
	}

	if p.dryRun {
		p.log.Info().Msg("-> Dry run: stopping before 3-D Secure authentication.")
		p.safeNotify(ctx)
		return nil, nil
	}

	keyPath, ok := extractIframeKeyPath(processed.Body)
	if !ok {
		return nil, ErrPatternNotFound.Here().Append("3-D Secure iframe").Appendf("content: %s", processed.Body)
	}
	iframeURL := apiURL + "/payment/auth/" + keyPath + "/iframe"

	p.log.Debug().Msgf("-> Opening the 3-D Secure iframe '%s' in the browser…", iframeURL)
	if err := browser.ClearCookies(); err != nil {
		return nil, err
	}
	if err := browser.Navigate(ctx, iframeURL); err != nil {
		return nil, err
	}
	if err := browser.SetCookie(gatewaySessionName, sessionID); err != nil {
		return nil, err
	}
	if err := browser.Navigate(ctx, iframeURL); err != nil {
		return nil, err
	}

	p.safeNotify(ctx)
	return nil, nil
}

// safeNotify never lets a notification failure change the checkout outcome.
func (p *PaymentBridge) safeNotify(ctx context.Context) {
	if p.notify == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Msgf("-> Notification callback panicked: %v", r)
		}
	}()
	if err := p.notify(ctx); err != nil {
		p.log.Error().Err(err).Msg("-> Error in notification callback.")
	}
}
