package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

const (
	loginURL   = "https://i.jielong.com/login?redirectTo=https%3A%2F%2Fi.jielong.com%2F"
	myClassURL = "https://i.jielong.com/my-class"
	myFormURL  = "https://i.jielong.com/my-form"
	cookieURL  = "https://i.jielong.com/"

	cookieDomain    = ".jielong.com"
	tokenCookie     = "token"
	signatureHeader = "x-api-request-payload"

	toggleSelector   = `div.login-wrap .toggle`
	consentSelector  = `input.ant-checkbox-input[type='checkbox']`
	loginBtnSelector = `button.css-1wli0ry.ant-btn.ant-btn-default.login-btn`
	qrSelector       = `#login_container img`
)

// UserAgent is the QQ mini-program agent the upstream expects
const UserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148 QQ/9.0.0 V1_IPH_SQ_9.0.0_1_APP_A Pixel/1170 MiniAppEnable SimpleUISwitch/0 StudyMode/0 CurrentMode/0 CurrentFontScale/1.000000 QQTheme/1000 Core/WKWebView Device/Apple(iPhone 15) NetType/WIFI QBWebViewType/1 WKType/1"

// ChromeOptions configures Chrome
type ChromeOptions struct {
	ExecPath string
	Headless bool
	// ElementTimeout bounds each wait for a login page element
	ElementTimeout time.Duration
	// SignatureWait bounds the wait for the signature header
	SignatureWait time.Duration
	// QRSettle is the pause after clicking login before the code is captured
	QRSettle time.Duration
}

// Chrome is the chromedp-backed Driver
type Chrome struct {
	opts   ChromeOptions
	logger logrus.FieldLogger
}

// NewChrome creates a Chrome driver
func NewChrome(opts ChromeOptions, logger logrus.FieldLogger) *Chrome {
	if opts.ElementTimeout <= 0 {
		opts.ElementTimeout = 60 * time.Second
	}
	if opts.SignatureWait <= 0 {
		opts.SignatureWait = 20 * time.Second
	}
	if opts.QRSettle <= 0 {
		opts.QRSettle = 3 * time.Second
	}
	return &Chrome{opts: opts, logger: logger.WithField("component", "browser")}
}

// newBrowser starts a disposable browser whose lifetime is bound to parent.
func (c *Chrome) newBrowser(parent context.Context) (context.Context, context.CancelFunc) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoSandbox,
		chromedp.UserAgent(UserAgent),
		chromedp.WindowSize(1280, 900),
	)
	if c.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(c.opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, allocOpts...)
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		cancelTask()
		cancelAlloc()
	}
}

// StartLogin implements Driver
func (c *Chrome) StartLogin(ctx context.Context, step func(string)) (LoginPage, error) {
	if step == nil {
		step = func(string) {}
	}
	browserCtx, cancel := c.newBrowser(ctx)

	run := func(label string, actions ...chromedp.Action) error {
		step(label)
		stepCtx, stepCancel := context.WithTimeout(browserCtx, c.opts.ElementTimeout)
		defer stepCancel()
		if err := chromedp.Run(stepCtx, actions...); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		return nil
	}

	var checked bool
	var qr []byte
	err := run(StepOpenLogin,
		chromedp.Navigate(loginURL),
		chromedp.WaitVisible(toggleSelector, chromedp.ByQuery),
	)
	if err == nil {
		err = run(StepSwitchMethod, chromedp.Click(toggleSelector, chromedp.ByQuery))
	}
	if err == nil {
		err = run(StepAcceptConsent,
			chromedp.WaitReady(consentSelector, chromedp.ByQuery),
			chromedp.Evaluate(`document.querySelector("`+strings.ReplaceAll(consentSelector, `"`, `\"`)+`").checked`, &checked),
		)
	}
	if err == nil && !checked {
		err = run(StepAcceptConsent, chromedp.Click(consentSelector, chromedp.ByQuery))
	}
	if err == nil {
		err = run(StepClickLogin,
			chromedp.Click(loginBtnSelector, chromedp.ByQuery),
			chromedp.Sleep(c.opts.QRSettle),
		)
	}
	if err == nil {
		err = run(StepCaptureQRCode,
			chromedp.WaitVisible(qrSelector, chromedp.ByQuery),
			chromedp.Screenshot(qrSelector, &qr, chromedp.ByQuery),
		)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	step(StepWaitScan)
	return &chromeLoginPage{
		ctx:    browserCtx,
		cancel: cancel,
		qr:     base64.StdEncoding.EncodeToString(qr),
	}, nil
}

type chromeLoginPage struct {
	ctx    context.Context
	cancel context.CancelFunc
	qr     string
	once   sync.Once
}

func (p *chromeLoginPage) QRCode() string { return p.qr }

func (p *chromeLoginPage) PollToken(ctx context.Context) (string, bool, error) {
	var token string
	err := chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().WithUrls([]string{cookieURL}).Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			if c.Name == tokenCookie && c.Value != "" {
				token = c.Value
				return nil
			}
		}
		return nil
	}))
	if err != nil {
		return "", false, fmt.Errorf("failed to read cookies: %w", err)
	}
	if ctx.Err() != nil {
		return "", false, ctx.Err()
	}
	return token, token != "", nil
}

func (p *chromeLoginPage) Close() {
	p.once.Do(p.cancel)
}

// DeriveRequestSignature implements Driver. It plants token as the session
// cookie, loads a page that issues an authenticated API call and captures
// that call's signature header from the network trace.
func (c *Chrome) DeriveRequestSignature(ctx context.Context, token string) (string, error) {
	browserCtx, cancel := c.newBrowser(ctx)
	defer cancel()

	found := make(chan string, 1)
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		e, ok := ev.(*network.EventRequestWillBeSent)
		if !ok || e.Request == nil {
			return
		}
		for name, value := range e.Request.Headers {
			if !strings.EqualFold(name, signatureHeader) {
				continue
			}
			if s, ok := value.(string); ok && s != "" {
				select {
				case found <- s:
				default:
				}
			}
		}
	})

	loadCtx, loadCancel := context.WithTimeout(browserCtx, c.opts.ElementTimeout)
	defer loadCancel()
	err := chromedp.Run(loadCtx,
		network.Enable(),
		chromedp.Navigate(myClassURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetCookie(tokenCookie, token).
				WithDomain(cookieDomain).
				WithPath("/").
				Do(ctx)
		}),
		chromedp.Navigate(myFormURL),
	)
	if err != nil {
		return "", fmt.Errorf("failed to replay authenticated page: %w", err)
	}

	timer := time.NewTimer(c.opts.SignatureWait)
	defer timer.Stop()
	select {
	case sig := <-found:
		return sig, nil
	case <-timer.C:
		c.logger.WithField("wait", c.opts.SignatureWait).Warn("Signature header not seen in network trace")
		return "", ErrSignatureNotFound
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
