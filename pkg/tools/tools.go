package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harun/agentloop/pkg/toolexecutor"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultIPServiceURL       = "https://icanhazip.com"
	DefaultLocationServiceURL = "http://ip-api.com/json/"

	defaultHTTPTimeout = 10 * time.Second
	maxBodySize        = 1 << 20
)

// Config holds the endpoints the built-in tools talk to
type Config struct {
	IPServiceURL       string
	LocationServiceURL string
	HTTPClient         *http.Client
}

// LocationArgs are the arguments of get_location_info
type LocationArgs struct {
	IP string `json:"ip" jsonschema:"the IPv4 or IPv6 address to locate"`
}

type client struct {
	ipURL       string
	locationURL string
	http        *http.Client
}

func newClient(cfg Config) *client {
	c := &client{
		ipURL:       cfg.IPServiceURL,
		locationURL: cfg.LocationServiceURL,
		http:        cfg.HTTPClient,
	}
	if c.ipURL == "" {
		c.ipURL = DefaultIPServiceURL
	}
	if c.locationURL == "" {
		c.locationURL = DefaultLocationServiceURL
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return c
}

// Builtin returns the built-in tools in catalogue order.
func Builtin(cfg Config) []*toolexecutor.Tool {
	c := newClient(cfg)
	return []*toolexecutor.Tool{
		toolexecutor.NoArgs("get_ip",
			"Get the public IP address of the current machine.",
			c.getIP),
		toolexecutor.Typed("get_location_info",
			"Get the location information (city, region, country, coordinates) for an IP address.",
			c.getLocationInfo),
	}
}

func (c *client) getIP(ctx context.Context) (any, error) {
	body, err := c.get(ctx, c.ipURL)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *client) getLocationInfo(ctx context.Context, args LocationArgs) (any, error) {
	ip := strings.TrimSpace(args.IP)
	if ip == "" {
		return nil, toolexecutor.Permanent(fmt.Errorf("ip is required"))
	}

	body, err := c.get(ctx, strings.TrimSuffix(c.locationURL, "/")+"/"+url.PathEscape(ip))
	if err != nil {
		return nil, err
	}

	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("invalid location response: %w", err)
	}
	if status, _ := info["status"].(string); status == "fail" {
		msg, _ := info["message"].(string)
		return nil, toolexecutor.Permanent(fmt.Errorf("location lookup failed for %s: %s", ip, msg))
	}
	return info, nil
}

func (c *client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, toolexecutor.Permanent(fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s returned %s", req.URL.Host, resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, toolexecutor.Permanent(err)
		}
		return nil, err
	}
	return body, nil
}
