package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/ansel1/merry"
	"github.com/caarlos0/env/v6"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// inlineConfigEnv holds a whole configuration document, bypassing the file.
const inlineConfigEnv = "SCALPER_CONFIG"

type Config struct {
	Scalper      ScalperConfig `yaml:"scalper" json:"scalper"`
	IFTTT        IFTTTConfig   `yaml:"ifttt" json:"ifttt"`
	PaymentInfo  PaymentInfo   `yaml:"payment_info" json:"payment_info"`
	ProductInfos []ProductInfo `yaml:"product_infos" json:"product_infos"`
	UserInfo     UserInfo      `yaml:"user_info" json:"user_info"`
}

type ScalperConfig struct {
	BrowserPath        string `yaml:"browser_path" json:"browser_path" env:"SCALPER_BROWSER_PATH"`
	Headless           bool   `yaml:"headless" json:"headless"`
	DeliverySortMethod string `yaml:"delivery_sort_method" json:"delivery_sort_method" env:"SCALPER_DELIVERY_SORT"`
	DryRun             bool   `yaml:"dry_run" json:"dry_run" env:"SCALPER_DRY_RUN"`
	SSLVerify          bool   `yaml:"ssl_verify" json:"ssl_verify" env:"SCALPER_SSL_VERIFY"`
	DebugMode          bool   `yaml:"debug_mode" json:"debug_mode" env:"SCALPER_DEBUG"`

	AttemptDelayMs int `yaml:"attempt_delay_ms" json:"attempt_delay_ms"`

	SiteURL       string `yaml:"site_url" json:"site_url"`
	APIURL        string `yaml:"api_url" json:"api_url"`
	GatewayDomain string `yaml:"gateway_domain" json:"gateway_domain"`
}

func (c ScalperConfig) AttemptDelay() time.Duration {
	return time.Duration(c.AttemptDelayMs) * time.Millisecond
}

type IFTTTConfig struct {
	Key               string   `yaml:"key" json:"key" env:"IFTTT_KEY"`
	WebhookEventNames []string `yaml:"webhook_event_names" json:"webhook_event_names"`
}

type PaymentInfo struct {
	CardNumber     string `yaml:"card_number" json:"card_number"`
	CardholderName string `yaml:"cardholder_name" json:"cardholder_name"`
	ExpiryMonth    string `yaml:"expiry_month" json:"expiry_month"`
	ExpiryYear     string `yaml:"expiry_year" json:"expiry_year"`
	SecurityCode   string `yaml:"security_code" json:"security_code"`
}

type ProductInfo struct {
	Name      string `yaml:"name" json:"name"`
	PID       string `yaml:"pid" json:"pid"`
	Quantity  int    `yaml:"quantity" json:"quantity"`
	OfferCode string `yaml:"offer_code" json:"offer_code"`
}

type UserInfo struct {
	Email     string  `yaml:"email" json:"email"`
	Password  string  `yaml:"password" json:"password"`
	PostCode  string  `yaml:"post_code" json:"post_code"`
	Latitude  float64 `yaml:"latitude" json:"latitude"`
	Longitude float64 `yaml:"longitude" json:"longitude"`
}

func DefaultConfig() *Config {
	return &Config{
		Scalper: ScalperConfig{
			BrowserPath:        "",
			Headless:           true,
			DeliverySortMethod: SortPriceLowHigh,
			DryRun:             false,
			SSLVerify:          true,
			DebugMode:          false,
			AttemptDelayMs:     1000,
			SiteURL:            "https://www.currys.co.uk",
			APIURL:             "https://api.currys.co.uk",
			GatewayDomain:      "worldpay.com",
		},
		IFTTT: IFTTTConfig{
			WebhookEventNames: []string{},
		},
		ProductInfos: []ProductInfo{},
	}
}

func isJSONPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		return true
	}
	return false
}

// readDocument decodes a config file into a generic document so merges can
// tell a key set to false apart from a key left out.
func readDocument(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := map[string]interface{}{}
	if isJSONPath(path) {
		err = json5.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, merry.Prependf(err, "failed to parse %s", path)
	}
	return doc, nil
}

// applyDocument overlays the keys present in doc onto config.
func applyDocument(doc map[string]interface{}, config *Config) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return merry.Wrap(err)
	}
	return merry.Wrap(json.Unmarshal(data, config))
}

// localPath maps config.yaml to config.local.yaml.
func localPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

// LoadConfig reads the configuration document, merges a sibling
// `.local` override on top, then applies environment overrides. A missing
// file is created from the defaults, mirroring first-run behaviour.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if inline := os.Getenv(inlineConfigEnv); inline != "" {
		if err := json5.Unmarshal([]byte(inline), config); err != nil {
			return nil, merry.Prependf(err, "failed to parse %s", inlineConfigEnv)
		}
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := config.Save(path); err != nil {
				return nil, err
			}
			return config, nil
		}

		doc, err := readDocument(path)
		if err != nil {
			return nil, merry.Wrap(err)
		}

		local := localPath(path)
		if override, err := readDocument(local); err == nil {
			if err := mergo.Merge(&doc, override, mergo.WithOverride); err != nil {
				return nil, merry.Prependf(err, "failed to merge %s", local)
			}
		} else if !os.IsNotExist(err) {
			return nil, merry.Wrap(err)
		}

		if err := applyDocument(doc, config); err != nil {
			return nil, merry.Prependf(err, "failed to load %s", path)
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, merry.Prependf(err, "failed to read environment overrides")
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	var data []byte
	var err error
	if isJSONPath(path) {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return merry.Wrap(err)
	}

	return merry.Wrap(os.WriteFile(path, data, 0600))
}

// Validate checks the values the checkout loop relies on without re-checking.
func (c *Config) Validate() error {
	if len(c.ProductInfos) == 0 {
		return merry.New("no products configured under product_infos")
	}
	for i, p := range c.ProductInfos {
		if p.PID == "" {
			return merry.Errorf("product %d (%s) has no pid", i+1, p.Name)
		}
		if p.Quantity < 1 {
			return merry.Errorf("product %d (%s) has quantity %d, want at least 1", i+1, p.Name, p.Quantity)
		}
	}
	if !isKnownSortPolicy(c.Scalper.DeliverySortMethod) {
		return ErrUnknownSortPolicy.Here().Append(c.Scalper.DeliverySortMethod)
	}
	if c.UserInfo.Email == "" || c.UserInfo.Password == "" {
		return merry.New("user_info.email and user_info.password are required")
	}
	if c.UserInfo.PostCode == "" {
		return merry.New("user_info.post_code is required")
	}
	if c.Scalper.AttemptDelayMs < 0 {
		return merry.Errorf("attempt_delay_ms must not be negative, got %d", c.Scalper.AttemptDelayMs)
	}
	return nil
}

// longestProductName is used to align per-product log prefixes.
func (c *Config) longestProductName() int {
	longest := 0
	for _, p := range c.ProductInfos {
		if len(p.Name) > longest {
			longest = len(p.Name)
		}
	}
	return longest
}
