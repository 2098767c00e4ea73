package browser

import (
	"fmt"
	"net"
	"net/url"

	"github.com/shehryarbajwa/browserhub/pkg/models"
)

var baseArgs = []string{
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-blink-features=AutomationControlled",
}

// ChromeArgs returns the Chromium command-line flags for opts.
func ChromeArgs(opts models.LaunchOptions) []string {
	args := append([]string(nil), baseArgs...)
	if opts.IsHeadless() {
		args = append(args, "--headless=new")
	}
	args = append(args, fmt.Sprintf("--window-size=%d,%d", opts.Viewport.Width, opts.Viewport.Height))
	if opts.Proxy != nil {
		args = append(args, "--proxy-server="+opts.Proxy.Server)
	}
	if opts.UserAgent != "" {
		args = append(args, "--user-agent="+opts.UserAgent)
	}
	return args
}

// browserlessURL builds a browserless connect URL carrying opts as launch
// query parameters.
func browserlessURL(host, port string, opts models.LaunchOptions) string {
	q := url.Values{}
	if !opts.IsHeadless() {
		q.Set("headless", "false")
	}
	q.Set("--window-size", fmt.Sprintf("%d,%d", opts.Viewport.Width, opts.Viewport.Height))
	q.Set("--user-data-dir", containerDataDir)
	q.Set("--disable-blink-features", "AutomationControlled")
	if opts.Proxy != nil {
		q.Set("--proxy-server", opts.Proxy.Server)
	}
	if opts.UserAgent != "" {
		q.Set("--user-agent", opts.UserAgent)
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(host, port),
		Path:     "/",
		RawQuery: q.Encode(),
	}
	return u.String()
}
