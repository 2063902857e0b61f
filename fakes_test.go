package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeBrowser struct {
	mu sync.Mutex

	base    map[string]string
	set     map[string]string
	visited []string
	clears  int
	closed  bool

	panicOnCookies bool
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		base: map[string]string{"anti-bot": "1"},
		set:  map[string]string{},
	}
}

func (b *fakeBrowser) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.visited = append(b.visited, url)
	return nil
}

func (b *fakeBrowser) ClearCookies() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clears++
	b.set = map[string]string{}
	return nil
}

func (b *fakeBrowser) Cookies() (map[string]string, error) {
	if b.panicOnCookies {
		panic("browser went away")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]string{}
	for k, v := range b.base {
		out[k] = v
	}
	return out, nil
}

func (b *fakeBrowser) SetCookie(name, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.set[name] = value
	return nil
}

func (b *fakeBrowser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

const (
	testPID       = "10214446"
	testBasketID  = "b-1"
	testStoreTok  = "store-token"
	testSessionID = "gw-session"
	testCSRF      = "csrf-token"
)

const testLoginPage = `<html><body>
<form id="login" data-login-token-name="csrf_token" data-login-token-value="t0k3n"></form>
</body></html>`

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func payload(b Basket) map[string]interface{} {
	return map[string]interface{}{"payload": b}
}

func newPaymentRequest(id, status, paymentURL string) PaymentRequest {
	pr := PaymentRequest{ID: id, Status: status}
	pr.PaymentMethodRequestData.PaymentURL = paymentURL
	return pr
}

func newConsignment(kind string, slots ...DeliverySlot) Consignment {
	c := Consignment{AvailableDeliverySlots: slots}
	c.ID.Type = kind
	return c
}

func slot(provider, date string, pence int) DeliverySlot {
	return DeliverySlot{
		Provider: provider,
		Date:     date,
		TimeSlot: "07:00-19:00",
		Price: Price{
			AmountWithVat: json.Number(fmt.Sprint(pence)),
			VatRate:       "20",
			Currency:      "GBP",
		},
	}
}

// fakeRetailer serves the retailer's site, basket API and card gateway
// from two httptest servers. Fields are read under mu by the handlers, so
// tests may change them between attempts.
type fakeRetailer struct {
	t       *testing.T
	site    *httptest.Server
	gateway *httptest.Server

	mu sync.Mutex

	loginPage      string
	setStoreToken  bool
	addStatus      int
	quantityBody   string
	lines          []BasketLine
	consignments   []Consignment
	slotRequests   []PaymentRequest
	offerStatus    int
	offerRequests  []PaymentRequest
	orderStatus    int
	cardTypeStatus int
	processBody    string
	noSessionID    bool

	calls       map[string]int
	deleted     []string
	invalidated []string
	slotsSet    []string
	cookiesSeen []map[string]string
}

func newFakeRetailer(t *testing.T) *fakeRetailer {
	f := &fakeRetailer{
		t:              t,
		loginPage:      testLoginPage,
		setStoreToken:  true,
		addStatus:      http.StatusOK,
		offerStatus:    http.StatusOK,
		orderStatus:    http.StatusOK,
		cardTypeStatus: http.StatusOK,
		processBody:    `<div><iframe src="https://acs.example/app/payment/auth/key-123/iframe"></iframe></div>`,
		lines: []BasketLine{
			{ID: testPID, Title: "Graphics Card", Price: Price{AmountWithVat: "64999", Currency: "GBP"}, FulfilmentChannel: homeDelivery},
		},
		consignments: []Consignment{
			newConsignment("standard", slot("dpd", "2026-10-20", 500), slot("dpd", "2026-10-18", 0)),
		},
		calls: map[string]int{},
	}

	f.gateway = httptest.NewServer(f.gatewayMux())
	t.Cleanup(f.gateway.Close)
	f.site = httptest.NewServer(f.siteMux())
	t.Cleanup(f.site.Close)
	return f
}

func (f *fakeRetailer) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeRetailer) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRetailer) paymentURL() string {
	return f.gateway.URL + "/app/hpp/pay"
}

func (f *fakeRetailer) apiURL() string {
	return f.gateway.URL + "/app/hpp/integration/2021-06-08"
}

func (f *fakeRetailer) siteMux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		f.count("login-page")
		f.mu.Lock()
		page := f.loginPage
		f.mu.Unlock()
		fmt.Fprint(w, page)
	})
	mux.HandleFunc("POST "+loginPath, func(w http.ResponseWriter, r *http.Request) {
		f.count("login")
		if r.FormValue("csrf_token") != "t0k3n" || r.FormValue("validate_authentication") != "True" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		set := f.setStoreToken
		f.mu.Unlock()
		if set {
			http.SetCookie(w, &http.Cookie{Name: storeTokenCookie, Value: testStoreTok, Path: "/"})
		}
		w.Header().Set("Location", "/")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("GET /api/user/token", func(w http.ResponseWriter, r *http.Request) {
		f.count("basket-id")
		writeJSON(w, http.StatusOK, map[string]string{"bid": testBasketID})
	})
	mux.HandleFunc("POST /api/cart/addProduct", func(w http.ResponseWriter, r *http.Request) {
		f.count("add")
		seen := map[string]string{}
		for _, c := range r.Cookies() {
			seen[c.Name] = c.Value
		}
		var body struct {
			FUPID    string `json:"fupid"`
			Quantity int    `json:"quantity"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.cookiesSeen = append(f.cookiesSeen, seen)
		status := f.addStatus
		f.mu.Unlock()
		if body.FUPID != testPID || body.Quantity != 1 {
			status = http.StatusBadRequest
		}
		w.WriteHeader(status)
	})

	basket := "/store/api/baskets/{bid}"
	mux.HandleFunc("GET "+basket, func(w http.ResponseWriter, r *http.Request) {
		f.count("basket")
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, http.StatusOK, payload(Basket{Products: f.lines}))
	})
	mux.HandleFunc("PUT "+basket+"/products/{pid}/quantity", func(w http.ResponseWriter, r *http.Request) {
		f.count("quantity")
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.quantityBody != "" {
			fmt.Fprint(w, f.quantityBody)
			return
		}
		writeJSON(w, http.StatusOK, payload(Basket{Products: f.lines}))
	})
	mux.HandleFunc("DELETE "+basket+"/products/{pid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("pid"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PUT "+basket+"/products/{pid}/fulfilmentChannel", func(w http.ResponseWriter, r *http.Request) {
		f.count("home-delivery")
		if r.FormValue("fulfilmentChannel") != homeDelivery {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PUT "+basket+"/deliveryLocation", func(w http.ResponseWriter, r *http.Request) {
		f.count("consignments")
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, http.StatusOK, payload(Basket{Consignments: f.consignments}))
	})
	mux.HandleFunc("PUT "+basket+"/consignments/{kind}/deliverySlot", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.slotsSet = append(f.slotsSet, r.PathValue("kind")+"@"+r.FormValue("date"))
		writeJSON(w, http.StatusOK, payload(Basket{PaymentRequests: f.slotRequests}))
	})
	mux.HandleFunc("POST "+basket+"/offerRedemptions", func(w http.ResponseWriter, r *http.Request) {
		f.count("offer")
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.offerStatus != http.StatusOK {
			w.WriteHeader(f.offerStatus)
			return
		}
		writeJSON(w, http.StatusOK, payload(Basket{
			PaymentRequests:     f.offerRequests,
			TotalDiscountAmount: Price{AmountWithVat: "2000", Currency: "GBP"},
		}))
	})
	mux.HandleFunc("PUT "+basket+"/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.invalidated = append(f.invalidated, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST "+basket+"/orders", func(w http.ResponseWriter, r *http.Request) {
		f.count("order")
		f.mu.Lock()
		defer f.mu.Unlock()
		w.WriteHeader(f.orderStatus)
	})
	mux.HandleFunc("POST "+basket+"/payments", func(w http.ResponseWriter, r *http.Request) {
		f.count("payment-request")
		writeJSON(w, http.StatusOK, payload(Basket{PaymentRequests: []PaymentRequest{
			newPaymentRequest("pr-old", "failed", ""),
			newPaymentRequest("pr-new", "new", f.paymentURL()),
		}}))
	})
	return mux
}

func (f *fakeRetailer) gatewayMux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /app/hpp/pay", func(w http.ResponseWriter, r *http.Request) {
		f.count("gateway-page")
		f.mu.Lock()
		session := !f.noSessionID
		f.mu.Unlock()
		if session {
			http.SetCookie(w, &http.Cookie{Name: gatewaySessionName, Value: testSessionID, Path: "/"})
		}
		fmt.Fprintf(w, `<html><body>
<form id="card" method="post" action="/app/hpp/integration/2021-06-08/payment/multicard/process">
<input type="hidden" name="_csrf" value="%s">
</form></body></html>`, testCSRF)
	})
	mux.HandleFunc("POST /app/hpp/integration/2021-06-08/rest/cardtypes", func(w http.ResponseWriter, r *http.Request) {
		f.count("cardtypes")
		f.mu.Lock()
		status := f.cardTypeStatus
		f.mu.Unlock()
		if c, err := r.Cookie(gatewaySessionName); err != nil || c.Value != testSessionID || r.FormValue("cardNumber") == "" {
			status = http.StatusForbidden
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"cardType": map[string]string{"type": "VISA"}})
	})
	mux.HandleFunc("POST /app/hpp/integration/2021-06-08/payment/multicard/process", func(w http.ResponseWriter, r *http.Request) {
		f.count("process")
		if r.FormValue("selectedPaymentMethodName") != "VISA" || r.FormValue("_csrf") != testCSRF ||
			r.FormValue("expiryDate.expiryMonth") == "" || r.FormValue("ajax") != "True" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		fmt.Fprint(w, f.processBody)
	})
	return mux
}

func (f *fakeRetailer) config() *Config {
	cfg := DefaultConfig()
	cfg.Scalper.SiteURL = f.site.URL
	cfg.Scalper.APIURL = f.site.URL
	cfg.Scalper.GatewayDomain = "127.0.0.1"
	cfg.Scalper.AttemptDelayMs = 0
	cfg.UserInfo = UserInfo{Email: "a@example.com", Password: "pw", PostCode: "SW1A 1AA", Latitude: 51.5, Longitude: -0.14}
	cfg.PaymentInfo = PaymentInfo{CardNumber: "4111111111111111", CardholderName: "A N Other", ExpiryMonth: "01", ExpiryYear: "2030", SecurityCode: "123"}
	cfg.ProductInfos = []ProductInfo{{Name: "Graphics Card", PID: testPID, Quantity: 1}}
	return cfg
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
	return ctx.Err()
}

// newTestScalper wires a scalper to the fake retailer with instant sleeps.
func newTestScalper(t *testing.T, f *fakeRetailer, cfg *Config, logger zerolog.Logger) (*Scalper, *fakeBrowser, *sleepRecorder) {
	t.Helper()
	browser := newFakeBrowser()
	s, err := NewScalper(cfg, cfg.ProductInfos[0], func() Browser { return browser }, logger)
	if err != nil {
		t.Fatalf("NewScalper: %v", err)
	}
	rec := &sleepRecorder{}
	s.sleep = rec.sleep
	return s, browser, rec
}
