// Package bootstrap acquires a fresh session interactively: it opens a
// visible browser on the platform's login page, waits for the user to
// scan the QR code, and captures the token and cookie jar from the
// logged-in page.
package bootstrap

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/pubplat/scraper/internal/session"
	"github.com/pubplat/scraper/pkg/types"
)

// LoginURL is where the QR login flow starts.
const LoginURL = "https://mp.weixin.qq.com/"

// DefaultTimeout bounds how long we wait for the user to finish
// scanning.
const DefaultTimeout = 5 * time.Minute

// The token shows up as a numeric query parameter once the platform
// redirects to the logged-in home page.
var tokenRe = regexp.MustCompile(`token=(\d+)`)

// Login drives the interactive browser flow and persists the captured
// session.
type Login struct {
	store  *session.Store
	logger *zap.Logger
}

func NewLogin(store *session.Store, logger *zap.Logger) *Login {
	return &Login{store: store, logger: logger}
}

// Run opens the browser, waits for login, captures credentials, and
// saves them through the store (backing up any previous session file).
func (l *Login) Run(ctx context.Context, timeout time.Duration) (*types.Session, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", false),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	runCtx, runCancel := context.WithTimeout(browserCtx, timeout)
	defer runCancel()

	l.logger.Info("Opening login page, scan the QR code to continue",
		zap.String("url", LoginURL),
		zap.Duration("timeout", timeout))

	sess := &types.Session{}
	err := chromedp.Run(runCtx,
		chromedp.Navigate(LoginURL),
		l.waitForToken(sess),
		l.captureCookies(sess),
	)
	if err != nil {
		return nil, fmt.Errorf("login flow failed: %w", err)
	}

	sess.Timestamp = time.Now().Unix()
	if missing := sess.MissingCoreCookies(); len(missing) > 0 {
		l.logger.Warn("login captured an incomplete cookie jar",
			zap.Strings("missing", missing))
	}

	if err := l.store.SaveWithBackup(sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	l.logger.Info("Login complete",
		zap.String("token_prefix", tokenPrefix(sess.Token)),
		zap.Int("cookies", len(sess.Cookies)))
	return sess, nil
}

// waitForToken polls the page location until the post-login redirect
// carries the token parameter.
func (l *Login) waitForToken(sess *types.Session) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			var location string
			if err := chromedp.Location(&location).Do(ctx); err != nil {
				return err
			}
			if m := tokenRe.FindStringSubmatch(location); m != nil {
				sess.Token = m[1]
				l.logger.Debug("login redirect detected")
				return nil
			}
		}
	}
}

// captureCookies snapshots the browser's cookie jar into the session.
func (l *Login) captureCookies(sess *types.Session) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to read cookies: %w", err)
		}

		sess.Cookies = make(map[string]string, len(cookies))
		for _, c := range cookies {
			if strings.Contains(c.Domain, "weixin.qq.com") || strings.Contains(c.Domain, "qq.com") {
				sess.Cookies[c.Name] = c.Value
			}
		}
		return nil
	}
}

// tokenPrefix keeps full tokens out of the logs.
func tokenPrefix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[:6] + "..."
}
