// Package browsertest provides a canned browser.Driver for tests.
package browsertest

import (
	"context"
	"sync"

	"github.com/kylemclaren/checkin-tasks/internal/browser"
)

// Fake is a scriptable browser.Driver. The zero value starts a login whose
// token never arrives and fails every signature request.
type Fake struct {
	mu sync.Mutex

	// Login behaviour
	StartErr  error
	FailAt    string // step label at which StartErr is returned
	QRImage   string
	Token     string
	TokenPoll int // number of polls before Token is visible; 0 = first poll
	PollErr   error
	// Block, when non-nil, is waited on before StartLogin returns.
	Block chan struct{}

	// Signature behaviour
	Signature string
	SignErr   error

	starts    int
	signCalls int
	tokens    []string
	pages     []*Page
}

// StartLogin implements browser.Driver
func (f *Fake) StartLogin(ctx context.Context, step func(string)) (browser.LoginPage, error) {
	f.mu.Lock()
	f.starts++
	block := f.Block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for _, label := range []string{browser.StepOpenLogin, browser.StepSwitchMethod, browser.StepAcceptConsent, browser.StepClickLogin, browser.StepCaptureQRCode} {
		if step != nil {
			step(label)
		}
		if f.StartErr != nil && (f.FailAt == "" || f.FailAt == label) {
			return nil, f.StartErr
		}
	}
	if step != nil {
		step(browser.StepWaitScan)
	}

	page := &Page{fake: f}
	f.mu.Lock()
	f.pages = append(f.pages, page)
	f.mu.Unlock()
	return page, nil
}

// DeriveRequestSignature implements browser.Driver
func (f *Fake) DeriveRequestSignature(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signCalls++
	f.tokens = append(f.tokens, token)
	if f.SignErr != nil {
		return "", f.SignErr
	}
	if f.Signature == "" {
		return "", browser.ErrSignatureNotFound
	}
	return f.Signature, nil
}

// SetToken makes the token visible to later polls
func (f *Fake) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Token = token
}

// Starts returns how many logins were started
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// SignCalls returns how many signatures were requested
func (f *Fake) SignCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signCalls
}

// SignedTokens returns the tokens signatures were requested for
func (f *Fake) SignedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

// Pages returns every login page handed out
func (f *Fake) Pages() []*Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Page(nil), f.pages...)
}

// Page is the fake browser.LoginPage
type Page struct {
	fake   *Fake
	polls  int
	closed bool
}

func (p *Page) QRCode() string {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	return p.fake.QRImage
}

func (p *Page) PollToken(ctx context.Context) (string, bool, error) {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	p.polls++
	if p.fake.PollErr != nil {
		return "", false, p.fake.PollErr
	}
	if p.fake.Token == "" || p.polls <= p.fake.TokenPoll {
		return "", false, nil
	}
	return p.fake.Token, true, nil
}

func (p *Page) Close() {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	p.closed = true
}

// Closed reports whether Close was called
func (p *Page) Closed() bool {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	return p.closed
}

// Polls returns how many times the page was polled
func (p *Page) Polls() int {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	return p.polls
}
