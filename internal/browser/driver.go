// Package browser drives a disposable browser through the upstream
// provider's web UI. Everything that needs a real browser sits behind
// Driver so callers can be tested with browsertest.Fake.
package browser

import (
	"context"
	"errors"
)

// ErrSignatureNotFound is returned when the signature header never shows up
// in the network trace within the wait window.
var ErrSignatureNotFound = errors.New("request signature header not captured")

// Step labels reported while driving the login page. They end up in
// user-facing timeout messages.
const (
	StepOpenLogin     = "打开登录页面"
	StepSwitchMethod  = "切换到 QQ 登录"
	StepAcceptConsent = "勾选用户协议"
	StepClickLogin    = "点击登录按钮"
	StepCaptureQRCode = "获取二维码"
	StepWaitScan      = "等待扫码"
)

// LoginPage is a browser parked on the provider's QR code, waiting for the
// user to scan it.
type LoginPage interface {
	// QRCode is the rendered code as base64 PNG
	QRCode() string
	// PollToken checks the cookie jar once. ok is false until the provider
	// has completed the login.
	PollToken(ctx context.Context) (token string, ok bool, err error)
	// Close kills the browser. Safe to call more than once.
	Close()
}

// Driver is the browser automation capability
type Driver interface {
	// StartLogin opens a fresh browser, walks the login UI up to the QR code
	// and returns the parked page. step is called as each stage begins.
	StartLogin(ctx context.Context, step func(string)) (LoginPage, error)
	// DeriveRequestSignature replays an authenticated page load with token
	// and returns the per-request signature header it produced.
	DeriveRequestSignature(ctx context.Context, token string) (string, error)
}
