package engine

import (
	"io"
	"log/slog"

	stealth "github.com/anatolykoptev/go-stealth"
	"github.com/anatolykoptev/go-stealth/proxypool"
)

// BrowserClient issues requests with a Chrome TLS fingerprint.
type BrowserClient struct {
	client *stealth.BrowserClient
}

// NewBrowserClient builds a stealth client, routed through a Webshare proxy
// pool when webshareKey is set. A failing proxy pool is logged and skipped.
func NewBrowserClient(webshareKey string, timeoutSec int) (*BrowserClient, error) {
	opts := []stealth.ClientOption{stealth.WithTimeout(timeoutSec)}
	if webshareKey != "" {
		pool, err := proxypool.NewWebshare(webshareKey)
		if err != nil {
			slog.Warn("proxy pool init failed, running without proxy", slog.Any("error", err))
		} else {
			opts = append(opts, stealth.WithProxyPool(pool))
			slog.Info("proxy pool initialized", slog.Int("proxies", pool.Len()))
		}
	}
	bc, err := stealth.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &BrowserClient{client: bc}, nil
}

// Do sends one request and returns the body and status code.
func (b *BrowserClient) Do(method, url string, headers map[string]string, body io.Reader) ([]byte, int, error) {
	data, _, status, err := b.client.Do(method, url, headers, body)
	return data, status, err
}

func ChromeHeaders() map[string]string { return stealth.ChromeHeaders() }
