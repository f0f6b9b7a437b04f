// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Transport POSTs a JSON payload to the cloud endpoint and reports whether
// the cloud side actually accepted it, not just whether the HTTP round
// trip succeeded.
type Transport struct {
	client  *http.Client
	url     string
	limiter *rate.Limiter
}

// NewTransport builds a Transport. ratePerSec bounds outbound POST pacing;
// 0 disables the limiter.
func NewTransport(url string, timeout time.Duration, ratePerSec float64) *Transport {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Transport{
		client:  &http.Client{Timeout: timeout},
		url:     url,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Send POSTs payload and reports ok (the cloud endpoint's own success
// contract, not just the HTTP status), the status code, and the raw
// response body.
func (t *Transport) Send(ctx context.Context, payload interface{}) (ok bool, status int, body string, err error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return false, 0, "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(raw))
	if err != nil {
		return false, 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return false, 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	text := string(respBody)
	return isOK(resp.StatusCode, text), resp.StatusCode, text, nil
}

// isOK matches the cloud endpoint's success contract: HTTP 200 and a
// "00000" result code embedded in the response body.
func isOK(status int, body string) bool {
	return status == 200 && strings.Contains(body, "00000")
}
