package compiler

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// EndpointMode selects the wire protocol.
type EndpointMode string

const (
	ModeResponses EndpointMode = "responses"
	ModeChat      EndpointMode = "chat"
)

// DefaultProxyURL is the relay path used when no proxy URL is configured.
const DefaultProxyURL = "/api/proxy"

// Connection is where and how requests are sent.
type Connection struct {
	BaseURL      string            `json:"baseURL" yaml:"base_url" validate:"required,http_url"`
	APIKey       string            `json:"apiKey" yaml:"api_key"`
	ModelID      string            `json:"modelId" yaml:"model_id" validate:"required"`
	EndpointMode EndpointMode      `json:"endpointMode" yaml:"endpoint_mode" validate:"oneof=responses chat"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers"`
	UseProxy     bool              `json:"useProxy" yaml:"use_proxy"`

	// ProxyURL is the relay endpoint. It must be absolute when the executor
	// sends through the relay from outside a browser.
	ProxyURL string `json:"proxyURL,omitempty" yaml:"proxy_url"`
}

// Endpoint returns the direct endpoint URL, ignoring the proxy.
func (c Connection) Endpoint() string {
	base := strings.TrimSuffix(c.BaseURL, "/")
	if c.EndpointMode == ModeResponses {
		return base + "/v1/responses"
	}
	return base + "/v1/chat/completions"
}

// URL returns the URL the request is posted to: the endpoint itself, or the
// relay with the endpoint as its target parameter.
func (c Connection) URL() string {
	endpoint := c.Endpoint()
	if !c.UseProxy {
		return endpoint
	}
	proxy := c.ProxyURL
	if proxy == "" {
		proxy = DefaultProxyURL
	}
	return proxy + "?target=" + url.QueryEscape(endpoint)
}

// RequestHeaders returns the request headers: content type, the correlation id, the
// custom headers, then auth. Auth goes in X-API-Key through the relay and as a
// bearer token otherwise.
// Header names are case-insensitive: a custom header replaces a generated one of
// the same name, and the API key replaces both.
func (c Connection) RequestHeaders(correlationID string) map[string]string {
	h := map[string]string{
		"Content-Type":        "application/json",
		"X-Client-Request-Id": correlationID,
	}
	keys := make([]string, 0, len(c.Headers))
	for k := range c.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		setHeader(h, http.CanonicalHeaderKey(k), c.Headers[k])
	}
	if c.APIKey != "" {
		if c.UseProxy {
			setHeader(h, "X-API-Key", c.APIKey)
		} else {
			setHeader(h, "Authorization", "Bearer "+c.APIKey)
		}
	}
	return h
}

// setHeader assigns name after dropping any key that differs from it only in case.
func setHeader(h map[string]string, name, value string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
	h[name] = value
}
