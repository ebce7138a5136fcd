// Package tokenclient requests media credentials from the token service
// over HTTP.
package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type Client struct {
	url  string
	http *http.Client
}

var _ core.TokenClient = (*Client)(nil)

// New returns a client for the service at url. The client keeps cookies so
// the service sees the same account on every request.
func New(url string, timeout time.Duration) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{url: url, http: &http.Client{Timeout: timeout, Jar: jar}}
}

// NewWithHTTP is for callers that bring their own transport or jar.
func NewWithHTTP(url string, hc *http.Client) *Client {
	return &Client{url: url, http: hc}
}

// Jar exposes the cookie jar so the signaling dialer presents the same account.
func (c *Client) Jar() http.CookieJar { return c.http.Jar }

// Token maps every failure to an error matching domain.ErrTokenAcquisition;
// service-reported failures are *domain.TokenError.
func (c *Client) Token(ctx context.Context, req core.TokenRequest) (*core.Credential, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", domain.ErrTokenAcquisition, err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTokenAcquisition, err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTokenAcquisition, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", domain.ErrTokenAcquisition, err)
	}

	if resp.StatusCode/100 != 2 {
		te := &domain.TokenError{Code: domain.TokenInternal, Message: http.StatusText(resp.StatusCode)}
		if jerr := json.Unmarshal(raw, te); jerr != nil || te.Code == "" {
			te.Code = domain.TokenInternal
		}
		log.Warn().Str("module", "adapters.tokenclient").Int("status", resp.StatusCode).Str("code", string(te.Code)).Msg("token request rejected")
		return nil, te
	}

	var cred core.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("%w: decode credential: %w", domain.ErrTokenAcquisition, err)
	}
	if cred.Token == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrTokenAcquisition, errors.New("empty token"))
	}
	return &cred, nil
}
