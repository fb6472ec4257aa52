package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wrenfield/notekeep/internal/logger"
)

// APIVersion is sent as the api_version query parameter on every request,
// identifying the wire protocol revision this client speaks.
const APIVersion = "20240226"

// HTTPTransport is a Transport backed by resty.
type HTTPTransport struct {
	client *resty.Client
	token  string
	log    *logger.Logger
}

// NewHTTPTransport constructs an HTTPTransport pointed at baseURL with the
// given request timeout. Returns an error if baseURL is empty or
// unparsable.
func NewHTTPTransport(baseURL string, timeout time.Duration, log *logger.Logger) (*HTTPTransport, error) {
	normalized, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid transport base url: %w", err)
	}
	client := resty.New().
		SetBaseURL(normalized).
		SetTimeout(timeout)
	return &HTTPTransport{client: client, log: log}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty address")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("address must include host and scheme")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// SetToken implements Transport.
func (t *HTTPTransport) SetToken(token string) {
	t.token = strings.TrimSpace(token)
}

// Get implements Transport.
func (t *HTTPTransport) Get(ctx context.Context, path string, query map[string]string, out any) error {
	req := t.request(ctx).SetQueryParam("api_version", APIVersion)
	for k, v := range query {
		req.SetQueryParam(k, v)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("transport get %s: %w", path, err)
	}
	return mapHTTPError(resp)
}

// Post implements Transport.
func (t *HTTPTransport) Post(ctx context.Context, path string, body any, out any) error {
	req := t.request(ctx).SetQueryParam("api_version", APIVersion).SetBody(body)
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("transport post %s: %w", path, err)
	}
	return mapHTTPError(resp)
}

// Patch implements Transport.
func (t *HTTPTransport) Patch(ctx context.Context, path string, body any, out any) error {
	req := t.request(ctx).SetQueryParam("api_version", APIVersion).SetBody(body)
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Patch(path)
	if err != nil {
		return fmt.Errorf("transport patch %s: %w", path, err)
	}
	return mapHTTPError(resp)
}

func (t *HTTPTransport) request(ctx context.Context) *resty.Request {
	req := t.client.R().SetContext(ctx).SetHeader("Content-Type", "application/json")
	if t.token != "" {
		req.SetHeader("Authorization", "Bearer "+t.token)
	}
	return req
}

// mapHTTPError converts a resty response's status code into one of the
// package's sentinel errors, or nil for any 2xx response.
func mapHTTPError(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}
	body := strings.TrimSpace(string(resp.Body()))
	switch code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, body)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, body)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, body)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, body)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, body)
	default:
		if code >= http.StatusInternalServerError {
			return fmt.Errorf("%w: http %d: %s", ErrServer, code, body)
		}
		return fmt.Errorf("http %d: %s", code, body)
	}
}

// TokenExpiry parses the unverified exp claim out of a JWT bearer token,
// so the sync manager can proactively refresh a session before the server
// starts rejecting requests with ErrUnauthorized. It does not verify the
// token's signature: the server remains the source of truth for validity,
// this is purely a scheduling hint.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse jwt: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("jwt has no exp claim")
	}
	return exp.Time, nil
}
