package scraper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/config"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/models"
)

// ErrBlocked reports that the target site returned a block page instead of
// results. The caller decides whether to retry or shrink its footprint.
var ErrBlocked = errors.New("block signal detected")

// ErrExtraction marks pages that loaded but could not be parsed, so the
// failure is retried as an extraction problem rather than a navigation one.
var ErrExtraction = errors.New("extraction failed")

const (
	maxDirectoryPages = 50
	lookupWaitMs      = 10000
)

// Client drives one headless browser session against the directory and the
// provider lookup site.
type Client interface {
	FetchBusinesses(ctx context.Context, industry, town string) ([]models.Business, error)
	LookupProvider(ctx context.Context, phoneNumber string) (*models.LookupResult, error)
	Close()
}

// Factory builds a fresh Client. The lookup coordinator opens one per
// batch and closes it before the next batch starts.
type Factory func() Client

// NewFactory returns a Factory producing playwright-backed clients.
func NewFactory(cfg *config.ScraperConfig) Factory {
	return func() Client { return NewBrowserClient(cfg) }
}

type BrowserClient struct {
	cfg *config.ScraperConfig
	log *zap.Logger

	mu          sync.Mutex
	pw          *playwright.Playwright
	context     playwright.BrowserContext
	page        playwright.Page
	initialized bool

	pace *rate.Limiter
}

func NewBrowserClient(cfg *config.ScraperConfig) *BrowserClient {
	return &BrowserClient{
		cfg:  cfg,
		log:  zap.L().With(zap.String("component", "browser")),
		pace: rate.NewLimiter(rate.Every(cfg.LookupDelay), 1),
	}
}

func (c *BrowserClient) ensureBrowser() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	var err error
	c.pw, err = playwright.Run()
	if err != nil {
		return eris.Wrap(err, "scraper: start playwright")
	}

	c.context, err = c.pw.Chromium.LaunchPersistentContext(c.cfg.UserDataDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(c.cfg.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		c.pw.Stop()
		c.pw = nil
		return eris.Wrap(err, "scraper: launch browser")
	}

	c.page, err = c.context.NewPage()
	if err != nil {
		c.context.Close()
		c.pw.Stop()
		c.pw = nil
		c.context = nil
		return eris.Wrap(err, "scraper: create page")
	}

	c.initialized = true
	return nil
}

func (c *BrowserClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.page != nil {
		c.page.Close()
		c.page = nil
	}
	if c.context != nil {
		c.context.Close()
		c.context = nil
	}
	if c.pw != nil {
		c.pw.Stop()
		c.pw = nil
	}
	c.initialized = false
}

// FetchBusinesses walks the directory result pages for one industry and
// town pair and extracts the listings.
func (c *BrowserClient) FetchBusinesses(ctx context.Context, industry, town string) ([]models.Business, error) {
	if err := c.ensureBrowser(); err != nil {
		return nil, err
	}

	searchURL := fmt.Sprintf(c.cfg.SearchURL, url.QueryEscape(industry), url.QueryEscape(town))
	c.log.Info("opening directory search",
		zap.String("industry", industry),
		zap.String("town", town))

	if _, err := c.page.Goto(searchURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(c.cfg.NavTimeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return nil, eris.Wrapf(err, "scraper: open directory %s/%s", industry, town)
	}

	c.humanDelay(2000, 4000)
	c.simulateHumanBehavior()
	c.handleConsent()

	var all []models.Business
	for pageNum := 1; pageNum <= maxDirectoryPages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		content, err := c.page.Content()
		if err != nil {
			return all, eris.Wrap(err, "scraper: read page content")
		}

		if c.cfg.DetectBlocking {
			if trigger := DetectBlock(content, c.cfg.Selectors.Listing); trigger != "" {
				c.log.Warn("block page instead of results", zap.String("trigger", trigger))
				return all, ErrBlocked
			}
		}

		businesses, err := ExtractBusinesses(content, c.cfg.Selectors, industry, town)
		if err != nil {
			return all, err
		}
		all = append(all, businesses...)
		c.log.Debug("extracted directory page",
			zap.Int("page", pageNum),
			zap.Int("listings", len(businesses)),
			zap.Int("total", len(all)))

		next := c.page.Locator(c.cfg.Selectors.NextPage).First()
		visible, _ := next.IsVisible()
		if !visible {
			break
		}
		if err := next.Click(); err != nil {
			c.log.Warn("next page click failed", zap.Error(err))
			break
		}
		c.humanDelay(1500, 3000)
		c.simulateHumanBehavior()
	}

	return all, nil
}

// LookupProvider resolves the current network provider for one number.
// Calls are paced so consecutive lookups never hit the site back to back.
func (c *BrowserClient) LookupProvider(ctx context.Context, phoneNumber string) (*models.LookupResult, error) {
	if err := c.ensureBrowser(); err != nil {
		return nil, err
	}
	if err := c.pace.Wait(ctx); err != nil {
		return nil, err
	}

	lookupURL := fmt.Sprintf(c.cfg.LookupURL, url.QueryEscape(phoneNumber))
	if _, err := c.page.Goto(lookupURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(c.cfg.NavTimeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return nil, eris.Wrapf(err, "scraper: open lookup for %s", phoneNumber)
	}

	result := c.page.Locator(c.cfg.Selectors.Provider).First()
	if err := result.WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(lookupWaitMs),
	}); err != nil {
		content, _ := c.page.Content()
		if c.cfg.DetectBlocking {
			if trigger := DetectBlock(content, c.cfg.Selectors.Provider); trigger != "" {
				c.log.Warn("block page on lookup", zap.String("trigger", trigger))
				return nil, ErrBlocked
			}
		}
		return nil, eris.Wrapf(err, "scraper: no provider result for %s", phoneNumber)
	}

	provider, err := result.TextContent()
	if err != nil {
		return nil, eris.Wrapf(err, "scraper: read provider for %s", phoneNumber)
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, eris.Errorf("scraper: empty provider for %s", phoneNumber)
	}

	return &models.LookupResult{
		PhoneNumber: phoneNumber,
		Provider:    provider,
		Confidence:  100,
	}, nil
}

func (c *BrowserClient) simulateHumanBehavior() {
	page := c.page

	page.Mouse().Move(float64(300+rand.Intn(400)), float64(200+rand.Intn(300)))
	page.WaitForTimeout(float64(200 + rand.Intn(300)))
	page.Mouse().Move(float64(400+rand.Intn(300)), float64(300+rand.Intn(200)))
	page.WaitForTimeout(float64(200 + rand.Intn(300)))

	scrollAmount := 100 + rand.Intn(300)
	page.Evaluate(fmt.Sprintf(`window.scrollBy(0, %d)`, scrollAmount))
}

func (c *BrowserClient) humanDelay(minMs, maxMs int) {
	delay := minMs + rand.Intn(maxMs-minMs)
	time.Sleep(time.Duration(delay) * time.Millisecond)
}

func (c *BrowserClient) handleConsent() {
	consentSelectors := []string{
		"button:has-text('Consent')",
		"button[id*='accept']",
		"button[class*='accept']",
		"button[class*='consent']",
		"#didomi-notice-agree-button",
		"button:has-text('Accept')",
		"button:has-text('Accept All')",
		"button:has-text('Agree')",
		"button:has-text('OK')",
	}

	for _, selector := range consentSelectors {
		btn := c.page.Locator(selector).First()
		if visible, _ := btn.IsVisible(); visible {
			c.log.Debug("clicking consent button", zap.String("selector", selector))
			btn.Click()
			c.page.WaitForTimeout(2000)
			break
		}
	}
}

var blockTriggers = []string{
	"Access Denied",
	"Request unsuccessful",
	"unusual traffic",
	"verify you are human",
	"captcha-container",
	"This request was blocked",
}

// DetectBlock returns the matched trigger string, or empty when the page
// looks healthy. A page showing the expected listing markup never counts
// as blocked; compound selectors are healthy when every class token of the
// selector appears in the page.
func DetectBlock(content, healthySelector string) string {
	if tokens := strings.Fields(healthySelector); len(tokens) > 0 {
		healthy := true
		for _, tok := range tokens {
			if tok = strings.TrimPrefix(tok, "."); tok == "" || !strings.Contains(content, tok) {
				healthy = false
				break
			}
		}
		if healthy {
			return ""
		}
	}
	for _, t := range blockTriggers {
		if strings.Contains(content, t) {
			return t
		}
	}
	return ""
}

// ExtractBusinesses parses one directory result page. Listings without a
// name or phone are skipped.
func ExtractBusinesses(html string, sel config.Selectors, industry, town string) ([]models.Business, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, eris.Wrapf(ErrExtraction, "scraper: parse directory page: %v", err)
	}

	var businesses []models.Business
	doc.Find(sel.Listing).Each(func(_ int, s *goquery.Selection) {
		name := strings.TrimSpace(s.Find(sel.Name).First().Text())
		phone := NormalizePhone(s.Find(sel.Phone).First().Text())
		if name == "" || phone == "" {
			return
		}
		businesses = append(businesses, models.Business{
			Name:     name,
			Phone:    phone,
			Address:  strings.TrimSpace(s.Find(sel.Address).First().Text()),
			Town:     town,
			Category: industry,
		})
	})
	return businesses, nil
}

// NormalizePhone reduces a display number to digits, folding the +27
// country prefix into local form.
func NormalizePhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	s := digits.String()
	if strings.HasPrefix(s, "27") && len(s) == 11 {
		s = "0" + s[2:]
	}
	if len(s) < 9 {
		return ""
	}
	return s
}
