package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/ansel1/merry"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	basketTimeout = 5 * time.Second
	orderTimeout  = 20 * time.Second

	storeTokenCookie = "store-currys"
	homeDelivery     = "home-delivery"

	loginPath = "/gbuk/s/authentication.html"

	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

var loginTokenRe = regexp.MustCompile(`data-login-token-name="(?P<name>\S+)"\s*data-login-token-value="(?P<value>\S+)"`)

// extractLoginToken finds the hidden login token pair embedded in the
// authentication page. ok is false when the page carries no token.
func extractLoginToken(html string) (name, value string, ok bool) {
	m := loginTokenRe.FindStringSubmatch(html)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Response is the raw outcome of one retailer or gateway call.
type Response struct {
	StatusCode int
	Body       []byte
	URL        string
	Cookies    []*http.Cookie
}

// OK follows the usual client convention: anything below 400, redirects included.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode > 0 && r.StatusCode < 400
}

func (r *Response) Cookie(name string) (string, bool) {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

func (r *Response) decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return ErrResponseMalformed.Here().
			Appendf("%s [%d]: %v", r.URL, r.StatusCode, err).
			Appendf("content: %s", r.Body)
	}
	return nil
}

// Basket decodes the `payload` envelope every basket endpoint answers with.
func (r *Response) Basket() (*Basket, error) {
	var envelope struct {
		Payload Basket `json:"payload"`
	}
	if err := r.decode(&envelope); err != nil {
		return nil, err
	}
	return &envelope.Payload, nil
}

func newResponse(res *resty.Response) *Response {
	out := &Response{
		StatusCode: res.StatusCode(),
		Body:       res.Body(),
		Cookies:    res.Cookies(),
	}
	if res.Request != nil {
		out.URL = res.Request.URL
	}
	return out
}

type BasketLine struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Price             Price  `json:"price"`
	FulfilmentChannel string `json:"fulfilmentChannel"`
}

type Consignment struct {
	ID struct {
		Type string `json:"type"`
	} `json:"id"`
	IsReadyForDelivery     bool           `json:"isReadyForDelivery"`
	DeliverySlot           *DeliverySlot  `json:"deliverySlot"`
	AvailableDeliverySlots []DeliverySlot `json:"availableDeliverySlots"`
}

func (c Consignment) needsSlot() bool {
	return !c.IsReadyForDelivery || c.DeliverySlot == nil
}

type PaymentRequest struct {
	ID                       string `json:"id"`
	Status                   string `json:"status"`
	PaymentMethodRequestData struct {
		PaymentURL string `json:"payment_url"`
	} `json:"paymentMethodRequestData"`
}

type Basket struct {
	Products            []BasketLine     `json:"products"`
	Consignments        []Consignment    `json:"consignments"`
	PaymentRequests     []PaymentRequest `json:"paymentRequests"`
	TotalDiscountAmount Price            `json:"totalDiscountAmount"`
}

// RetailerClient issues single requests against the retailer's site and
// basket API. It never retries and never interprets business failures.
type RetailerClient struct {
	http    *resty.Client
	siteURL string
	apiURL  string
	log     zerolog.Logger
}

func NewRetailerClient(cfg *ScalperConfig, logger zerolog.Logger) (*RetailerClient, error) {
	client := resty.New().
		SetHeader("User-Agent", defaultUserAgent).
		SetHeader("Accept", "application/json, text/plain, */*").
		SetHeader("Accept-Language", "en-GB,en;q=0.9").
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}))
	if !cfg.SSLVerify {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	c := &RetailerClient{
		http:    client,
		siteURL: cfg.SiteURL,
		apiURL:  cfg.APIURL,
		log:     logger,
	}
	if err := c.ResetCookies(nil); err != nil {
		return nil, err
	}
	return c, nil
}

// ResetCookies replaces the session's cookie jar with exactly the given
// cookies, scoped to both the site and the basket API hosts.
func (c *RetailerClient) ResetCookies(cookies map[string]string) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return merry.Prependf(err, "failed to create cookie jar")
	}

	list := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		list = append(list, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	for _, base := range []string{c.siteURL, c.apiURL} {
		u, err := url.Parse(base)
		if err != nil {
			return merry.Prependf(err, "invalid base URL %q", base)
		}
		jar.SetCookies(u, list)
	}

	c.http.SetCookieJar(jar)
	return nil
}

func (c *RetailerClient) do(ctx context.Context, timeout time.Duration, method, endpoint string, prepare func(*resty.Request)) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := c.http.R().SetContext(ctx)
	if prepare != nil {
		prepare(req)
	}
	res, err := req.Execute(method, endpoint)
	if err != nil {
		return nil, merry.Prependf(err, "%s %s", method, endpoint)
	}
	return newResponse(res), nil
}

func jsonBody(body interface{}) func(*resty.Request) {
	return func(r *resty.Request) {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
}

func formBody(data map[string]string) func(*resty.Request) {
	return func(r *resty.Request) {
		r.SetFormData(data)
	}
}

func (c *RetailerClient) basketURL(basketID string) string {
	return c.apiURL + "/store/api/baskets/" + url.PathEscape(basketID)
}

func (c *RetailerClient) productURL(basketID, pid string) string {
	return c.basketURL(basketID) + "/products/" + url.PathEscape(pid)
}

func (c *RetailerClient) LoginURL() string {
	return c.siteURL + loginPath
}

// LoginStoreToken logs in with the session's current cookies and returns
// the store-affinity cookie. ErrLoginTokenMissing marks a login page or
// login response without the expected token, as distinct from HTTP failures.
func (c *RetailerClient) LoginStoreToken(ctx context.Context, user UserInfo) (string, error) {
	c.log.Debug().Msgf("-> Getting the '%s' cookie…", storeTokenCookie)

	res, err := c.do(ctx, basketTimeout, http.MethodGet, c.LoginURL(), nil)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", ErrUnexpectedHTTPStatus.Here().Appendf("login page [%d]", res.StatusCode)
	}

	name, value, ok := extractLoginToken(string(res.Body))
	if !ok {
		return "", ErrLoginTokenMissing.Here().Append("no login token pair on the authentication page")
	}

	res, err = c.do(ctx, basketTimeout, http.MethodPost, c.LoginURL(), formBody(map[string]string{
		"subaction":               "authentication",
		"validate_authentication": "True",
		"sFormName":               "header-login",
		name:                      value,
		"sEmail":                  user.Email,
		"login":                   "",
		"sPassword":               user.Password,
		"sRememberMe":             "1",
	}))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusFound && !res.OK() {
		return "", ErrUnexpectedHTTPStatus.Here().Appendf("login [%d]", res.StatusCode)
	}

	token, ok := res.Cookie(storeTokenCookie)
	if !ok {
		c.log.Error().Msgf("-> No '%s' cookie found.", storeTokenCookie)
		return "", ErrLoginTokenMissing.Here().Appendf("login response [%d] set no %s cookie", res.StatusCode, storeTokenCookie)
	}
	c.log.Debug().Msgf("-> '%s' cookie = '%s'.", storeTokenCookie, token)
	return token, nil
}

func (c *RetailerClient) GetBasketID(ctx context.Context) (string, error) {
	c.log.Debug().Msg("-> Getting the basket ID…")

	res, err := c.do(ctx, basketTimeout, http.MethodGet, c.siteURL+"/api/user/token", nil)
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", ErrUnexpectedHTTPStatus.Here().Appendf("basket id [%d]", res.StatusCode)
	}

	var body struct {
		BID string `json:"bid"`
	}
	if err := res.decode(&body); err != nil {
		return "", err
	}
	c.log.Debug().Msgf("-> basket_id = '%s'.", body.BID)
	return body.BID, nil
}

func (c *RetailerClient) GetBasket(ctx context.Context, basketID string) (*Response, error) {
	c.log.Debug().Msgf("-> Getting basket '%s'…", basketID)
	return c.do(ctx, basketTimeout, http.MethodGet, c.basketURL(basketID), nil)
}

func (c *RetailerClient) AddProduct(ctx context.Context, product ProductInfo) (*Response, error) {
	c.log.Debug().Msgf("-> Adding product '%s' (%s) to the basket…", product.Name, product.PID)
	return c.do(ctx, basketTimeout, http.MethodPost, c.siteURL+"/api/cart/addProduct", jsonBody(map[string]interface{}{
		"fupid":    product.PID,
		"quantity": 1,
	}))
}

func (c *RetailerClient) DeleteProduct(ctx context.Context, line BasketLine, basketID string) (*Response, error) {
	c.log.Debug().Msgf("-> Deleting product '%s' (%s) from basket '%s'…", line.Title, line.ID, basketID)
	return c.do(ctx, basketTimeout, http.MethodDelete, c.productURL(basketID, line.ID), nil)
}

func (c *RetailerClient) SetQuantity(ctx context.Context, product ProductInfo, basketID string) (*Response, error) {
	c.log.Debug().Msgf("-> Setting the quantity of product '%s' (%s) in basket '%s'…", product.Name, product.PID, basketID)
	return c.do(ctx, basketTimeout, http.MethodPut, c.productURL(basketID, product.PID)+"/quantity", formBody(map[string]string{
		"quantity": strconv.Itoa(product.Quantity),
	}))
}

func (c *RetailerClient) SetHomeDelivery(ctx context.Context, product ProductInfo, basketID string) (*Response, error) {
	c.log.Debug().Msgf("-> Setting the delivery method of product '%s' (%s) in basket '%s' to home delivery…", product.Name, product.PID, basketID)
	return c.do(ctx, basketTimeout, http.MethodPut, c.productURL(basketID, product.PID)+"/fulfilmentChannel", formBody(map[string]string{
		"fulfilmentChannel": homeDelivery,
	}))
}

func (c *RetailerClient) GetConsignments(ctx context.Context, user UserInfo, basketID string) (*Response, error) {
	c.log.Debug().Msgf("-> Getting consignments for basket '%s'…", basketID)
	return c.do(ctx, basketTimeout, http.MethodPut, c.basketURL(basketID)+"/deliveryLocation", formBody(map[string]string{
		"location":  user.PostCode,
		"latitude":  strconv.FormatFloat(user.Latitude, 'f', -1, 64),
		"longitude": strconv.FormatFloat(user.Longitude, 'f', -1, 64),
	}))
}

func (c *RetailerClient) SetDeliverySlot(ctx context.Context, consignmentType string, slot DeliverySlot, basketID string) (*Response, error) {
	c.log.Debug().Msgf("-> Setting delivery slot for consignment '%s' in basket '%s' to %s @ %s (costs %s)…",
		consignmentType, basketID, slot.Date, slot.TimeSlot, slot.Price)
	return c.do(ctx, basketTimeout, http.MethodPut, c.basketURL(basketID)+"/consignments/"+url.PathEscape(consignmentType)+"/deliverySlot", formBody(map[string]string{
		"provider":           slot.Provider,
		"priceAmountWithVat": slot.Price.AmountWithVat.String(),
		"priceVatRate":       slot.Price.VatRate.String(),
		"priceCurrency":      slot.Price.Currency,
		"date":               slot.Date,
		"timeSlot":           slot.TimeSlot,
	}))
}

func (c *RetailerClient) ApplyOfferCode(ctx context.Context, product ProductInfo, basketID string) (*Response, error) {
	c.log.Debug().Msgf("-> Applying offer code '%s' for product '%s' (%s) to basket '%s'…", product.OfferCode, product.Name, product.PID, basketID)
	return c.do(ctx, basketTimeout, http.MethodPost, c.basketURL(basketID)+"/offerRedemptions", formBody(map[string]string{
		"offerCode": product.OfferCode,
	}))
}

func (c *RetailerClient) InvalidatePaymentRequest(ctx context.Context, paymentRequestID, basketID string) (*Response, error) {
	c.log.Debug().Msgf("-> Invalidating payment request '%s' for basket '%s'…", paymentRequestID, basketID)
	return c.do(ctx, orderTimeout, http.MethodPut, c.basketURL(basketID)+"/payments/"+url.PathEscape(paymentRequestID), jsonBody(map[string]interface{}{
		"paymentRequestStatus":    "failed",
		"paymentMethodResultData": []interface{}{},
	}))
}

func (c *RetailerClient) CreateOrder(ctx context.Context, basketID string) (*Response, error) {
	c.log.Debug().Msgf("-> Creating order for basket '%s'…", basketID)
	return c.do(ctx, orderTimeout, http.MethodPost, c.basketURL(basketID)+"/orders", nil)
}

func (c *RetailerClient) CreatePaymentRequest(ctx context.Context, basketID string) (*Response, error) {
	c.log.Debug().Msgf("-> Creating payment request for basket '%s'…", basketID)
	return c.do(ctx, orderTimeout, http.MethodPost, c.basketURL(basketID)+"/payments", jsonBody(map[string]interface{}{
		"paymentMethodType": "card",
	}))
}
