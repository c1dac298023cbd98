package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/raster-lab/jpipstream/pkg/request"
)

// FallbackURL rewrites a ws:// or wss:// endpoint to its HTTP equivalent.
func FallbackURL(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	}
	return wsURL
}

// sendViaHTTP satisfies one request over the HTTP fallback channel.
func (c *Client) sendViaHTTP(ctx context.Context, w *request.ViewWindow) (*Response, error) {
	base := strings.TrimSuffix(FallbackURL(c.config.URL), "/")
	url := base + "/?" + request.EncodeQuery(w)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	httpClient := c.config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http fallback: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http fallback: %w", err)
	}

	headers := map[string]string{}
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	return &Response{Status: uint16(resp.StatusCode), Headers: headers, Body: body}, nil
}

// ChannelGrant is a parsed JPIP-cnew header.
type ChannelGrant struct {
	ChannelID string
	Path      string
	Transport string
}

// ParseChannelGrant parses "cid=<id>,path=/jpip,transport=http", tolerating
// whitespace around separators. The header name is matched elsewhere,
// case-insensitively.
func ParseChannelGrant(value string) (ChannelGrant, error) {
	var grant ChannelGrant
	for _, field := range strings.Split(value, ",") {
		k, v, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		switch k {
		case "cid":
			grant.ChannelID = v
		case "path":
			grant.Path = v
		case "transport":
			grant.Transport = v
		}
	}
	if grant.ChannelID == "" {
		return ChannelGrant{}, fmt.Errorf("%w: no cid in channel grant %q", ErrInvalidFrame, value)
	}
	return grant, nil
}

// ChannelGrantHeader is the response header carrying a new channel binding.
const ChannelGrantHeader = "JPIP-cnew"

// Capability headers the server attaches to channel-creation responses.
const (
	TargetIDHeader   = "JPIP-tid"
	CapabilityHeader = "JPIP-cap"
	PreferenceHeader = "JPIP-pref"
)

// GrantFromHeaders finds and parses the channel grant, matching the header
// name case-insensitively.
func GrantFromHeaders(headers map[string]string) (ChannelGrant, bool) {
	for name, value := range headers {
		if strings.EqualFold(name, ChannelGrantHeader) {
			grant, err := ParseChannelGrant(value)
			return grant, err == nil
		}
	}
	return ChannelGrant{}, false
}
