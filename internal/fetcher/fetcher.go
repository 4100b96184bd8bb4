// Lexigate is a multi-tenant HTML translation pipeline.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package fetcher retrieves the HTML body for a source URL. It is a thin
// reference adapter, not a hardened SSRF gateway; the production
// deployment is expected to front this with a dedicated egress proxy that
// blocks private, loopback, and metadata destinations.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"lexigate/internal/apierr"
)

// Fetcher retrieves HTML documents for the intake coordinator.
type Fetcher struct {
	client  *http.Client
	maxBody int64
}

// New returns a Fetcher bounding responses to maxBodyBytes and requests to
// timeout.
func New(timeout time.Duration, maxBodyBytes int64) *Fetcher {
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		maxBody: maxBodyBytes,
	}
}

// Fetch retrieves url and returns its body, capped at maxBodyBytes. A body
// exceeding the cap surfaces as apierr.KindPayloadTooLarge; a context
// deadline as apierr.KindFetchTimeout; any other transport failure as
// apierr.KindFetchFailed.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "invalid source url", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, apierr.Wrap(apierr.KindFetchTimeout, "fetch timed out", err)
		}
		return nil, apierr.Wrap(apierr.KindFetchFailed, "fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, apierr.New(apierr.KindFetchFailed, fmt.Sprintf("fetch returned status %d", resp.StatusCode))
	}

	limited := io.LimitReader(resp.Body, f.maxBody+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, apierr.Wrap(apierr.KindFetchTimeout, "fetch timed out reading body", err)
		}
		return nil, apierr.Wrap(apierr.KindFetchFailed, "failed reading body", err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, apierr.New(apierr.KindPayloadTooLarge, "fetched document exceeds max html bytes")
	}
	return body, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
