package main

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/ansel1/merry"
	"github.com/go-resty/resty/v2"
)

const (
	iftttBaseURL  = "https://maker.ifttt.com"
	notifyTimeout = 10 * time.Second
)

// Notifier fires one IFTTT webhook per configured event name.
type Notifier struct {
	http    *resty.Client
	baseURL string
	key     string
	events  []string
}

func NewNotifier(cfg IFTTTConfig) *Notifier {
	return &Notifier{
		http:    resty.New().SetTimeout(notifyTimeout),
		baseURL: iftttBaseURL,
		key:     cfg.Key,
		events:  cfg.WebhookEventNames,
	}
}

// Enabled is false when no key or no event is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.key != "" && len(n.events) > 0
}

// Notify tries every event even if an earlier one fails; the returned
// error joins all failures.
func (n *Notifier) Notify(ctx context.Context, value string) error {
	if !n.Enabled() {
		return nil
	}

	var errs []error
	for _, event := range n.events {
		endpoint := n.baseURL + "/trigger/" + url.PathEscape(event) + "/with/key/" + url.PathEscape(n.key)
		res, err := n.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]string{"value1": value}).
			Post(endpoint)
		if err != nil {
			errs = append(errs, merry.Prependf(err, "webhook %s", event))
			continue
		}
		if res.IsError() {
			errs = append(errs, ErrUnexpectedHTTPStatus.Here().Appendf("webhook %s [%d]", event, res.StatusCode()))
		}
	}
	return errors.Join(errs...)
}
