// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Pylon (https://www.pylonhq.com/).
// Copyright 2016-present Pylon, Inc.

// Package api is the client for the request/response cloud API. Production
// devices authenticate with mutual TLS; staging forwards the client
// certificate in a header the way the platform's terminating proxy expects.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/pylonhq/pylon-agent/pkg/certs"
	"github.com/pylonhq/pylon-agent/pkg/device"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// StatusNoLink is the synthetic status the client reports when the
	// request never reached the server.
	StatusNoLink = 599

	// DefaultTimeout bounds ordinary API calls.
	DefaultTimeout = 20 * time.Second
	// BulkTimeout bounds the heavy calls: sample upload and order fetch.
	BulkTimeout = 40 * time.Second

	clientCertHeader = "X-SSL-Client-Certificate"
)

// ResponseError is any reply the agent cannot use: an error status, a
// malformed body, or no reply at all (StatusNoLink).
type ResponseError struct {
	StatusCode int
	Status     string
}

// Error implements error.
func (e *ResponseError) Error() string {
	return fmt.Sprintf("ResponseError(%d, %q)", e.StatusCode, e.Status)
}

// IsNoLink reports whether the request never reached the server.
func (e *ResponseError) IsNoLink() bool { return e.StatusCode == StatusNoLink }

// IsClientsFault reports whether the server rejected the request as
// malformed or forbidden; retrying the same payload cannot succeed.
func (e *ResponseError) IsClientsFault() bool {
	return e.StatusCode/100 == 4
}

func noLink(err error) *ResponseError {
	return &ResponseError{StatusCode: StatusNoLink, Status: err.Error()}
}

// Client talks to the cloud API on behalf of one device.
type Client struct {
	baseURL    string
	httpc      *http.Client
	certHeader string // set on staging, empty otherwise
}

// NewClient builds a client for the environment the credentials name.
func NewClient(creds *certs.Credentials) *Client {
	env := creds.Identity.Environment
	c := &Client{
		baseURL: env.APIURL(),
		httpc:   &http.Client{},
	}
	if env == device.Staging {
		// The terminating proxy takes the PEM in one header line, newlines
		// folded to tabs.
		c.certHeader = strings.ReplaceAll(string(creds.CertPEM()), "\n", "\t")
	} else {
		c.httpc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{creds.TLSCertificate()},
				RootCAs:      creds.TrustPool(),
				MinVersion:   tls.VersionTLS12,
			},
		}
	}
	return c
}

// NewClientWithBaseURL builds an unauthenticated client against an explicit
// base URL. Tests use it.
func NewClientWithBaseURL(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpc: &http.Client{}}
}

// do performs one API call. body, when non-nil, is sent as JSON; out, when
// non-nil, receives the decoded response body. Every failure is reported as
// a *ResponseError.
func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &ResponseError{StatusCode: StatusNoLink, Status: fmt.Sprintf("unencodable request body: %v", err)}
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return noLink(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.certHeader != "" {
		req.Header.Set(clientCertHeader, c.certHeader)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return noLink(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return noLink(err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &ResponseError{StatusCode: resp.StatusCode, Status: statusOf(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &ResponseError{StatusCode: resp.StatusCode, Status: fmt.Sprintf("malformed response body: %v", err)}
		}
	}
	return nil
}

// statusOf digs the server's status line out of an error body, falling back
// to the raw text.
func statusOf(raw []byte) string {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Status != "" {
		return body.Status
	}
	return string(raw)
}
