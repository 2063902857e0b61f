package main

import (
	"context"
	"runtime"
	"strings"

	"github.com/ansel1/merry"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
)

// Browser is the slice of a real browser the checkout needs: visit a page,
// read and write its cookies, and be thrown away.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	ClearCookies() error
	Cookies() (map[string]string, error)
	SetCookie(name, value string) error
	Close()
}

// Automation drives a stealth Chromium page through rod. The browser is
// launched on first use so that constructing one is free.
type Automation struct {
	config   ScalperConfig
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	log      zerolog.Logger
}

func NewAutomation(config ScalperConfig, logger zerolog.Logger) *Automation {
	return &Automation{
		config: config,
		log:    logger,
	}
}

// newBrowserFactory returns a constructor the workers call each time they
// recycle their browser.
func newBrowserFactory(config ScalperConfig, logger zerolog.Logger) func() Browser {
	return func() Browser {
		return NewAutomation(config, logger)
	}
}

func (a *Automation) Close() {
	if a.page != nil {
		a.page.Close()
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.launcher != nil {
		a.launcher.Cleanup()
	}
	a.page, a.browser, a.launcher = nil, nil, nil
	a.log.Debug().Msg("-> Browser destroyed.")
}

func (a *Automation) isBrowserAlive() bool {
	if a.browser == nil || a.page == nil {
		return false
	}
	if _, err := a.browser.Version(); err != nil {
		a.log.Debug().Err(err).Msg("-> Browser version check failed.")
		return false
	}
	if _, err := a.page.Info(); err != nil {
		a.log.Debug().Err(err).Msg("-> Page info check failed.")
		return false
	}
	return true
}

// ensure (re)launches the browser when it was never started or has died.
func (a *Automation) ensure() error {
	if a.isBrowserAlive() {
		return nil
	}
	a.Close()
	return a.setupBrowser()
}

func (a *Automation) setupBrowser() error {
	a.log.Debug().Msg("-> Launching browser…")

	// leakless deadlocks on Windows, see go-rod/rod#853
	useLeakless := runtime.GOOS != "windows"

	l := launcher.New().
		Leakless(useLeakless).
		Headless(a.config.Headless).
		NoSandbox(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage")

	if a.config.BrowserPath != "" {
		l = l.Bin(a.config.BrowserPath)
	} else if path, ok := launcher.LookPath(); ok {
		l = l.Bin(path)
		a.log.Debug().Msgf("-> Using system browser at %s.", path)
	}
	a.launcher = l

	url, err := l.Launch()
	if err != nil {
		if strings.Contains(err.Error(), "SingletonLock") || strings.Contains(err.Error(), "ProcessSingleton") {
			return merry.Prependf(err, "browser profile already in use")
		}
		return merry.Prependf(err, "failed to launch browser")
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return merry.Prependf(err, "failed to connect to browser")
	}
	a.browser = browser

	a.page, err = stealth.Page(browser)
	if err != nil {
		return merry.Prependf(err, "failed to create stealth page")
	}
	if err := a.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: defaultUserAgent}); err != nil {
		a.log.Warn().Err(err).Msg("-> Failed to set the browser user agent.")
	}

	a.log.Debug().Msg("-> Browser launched.")
	return nil
}

func (a *Automation) Navigate(ctx context.Context, url string) error {
	if err := a.ensure(); err != nil {
		return err
	}
	page := a.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return merry.Prependf(err, "failed to navigate to %s", url)
	}
	if err := page.WaitLoad(); err != nil {
		return merry.Prependf(err, "page %s failed to load", url)
	}
	return nil
}

func (a *Automation) ClearCookies() error {
	if err := a.ensure(); err != nil {
		return err
	}
	return merry.Wrap(a.browser.SetCookies(nil))
}

func (a *Automation) Cookies() (map[string]string, error) {
	if err := a.ensure(); err != nil {
		return nil, err
	}
	cookies, err := a.browser.GetCookies()
	if err != nil {
		return nil, merry.Prependf(err, "failed to read browser cookies")
	}
	return cookieMap(cookies), nil
}

// SetCookie scopes the cookie to the page currently loaded.
func (a *Automation) SetCookie(name, value string) error {
	if err := a.ensure(); err != nil {
		return err
	}
	info, err := a.page.Info()
	if err != nil {
		return merry.Prependf(err, "failed to read page info")
	}
	return merry.Wrap(a.page.SetCookies([]*proto.NetworkCookieParam{{
		Name:  name,
		Value: value,
		URL:   info.URL,
	}}))
}

// cookieMap flattens browser cookies to name -> value. Later duplicates win.
func cookieMap(cookies []*proto.NetworkCookie) map[string]string {
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}
