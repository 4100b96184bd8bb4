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

package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"lexigate/internal/metrics"
)

// WebhookStore is the subset of internal/store.Store the billing webhook
// handler needs for delivery dedup.
type WebhookStore interface {
	InsertWebhookEventIfNew(ctx context.Context, eventID, eventName string) (inserted bool, err error)
}

// WebhookHandler verifies and dispatches POST /webhooks/lemonsqueezy
// deliveries. The signature is checked against the raw body before any
// JSON parsing happens, per the provider's documented HMAC-SHA256 scheme.
type WebhookHandler struct {
	store  WebhookStore
	secret string
	logger *log.Logger
}

// NewWebhookHandler constructs a WebhookHandler keyed by
// LEMONSQUEEZY_WEBHOOK_SECRET.
func NewWebhookHandler(st WebhookStore, secret string, logger *log.Logger) *WebhookHandler {
	return &WebhookHandler{store: st, secret: secret, logger: logger}
}

type webhookEventBody struct {
	Meta struct {
		EventName  string `json:"event_name"`
		CustomData any    `json:"custom_data,omitempty"`
	} `json:"meta"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "failed to read request body")
		return
	}

	signature := r.Header.Get("x-signature")
	if signature == "" || !h.validSignature(body, signature) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook signature")
		return
	}

	var evt webhookEventBody
	if err := json.Unmarshal(body, &evt); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed webhook payload")
		return
	}

	eventName := r.Header.Get("x-event-name")
	if eventName == "" {
		eventName = evt.Meta.EventName
	}
	eventID := evt.Data.ID
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "validation", "webhook payload missing data.id")
		return
	}

	inserted, err := h.store.InsertWebhookEventIfNew(r.Context(), eventID, eventName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_transient", "failed to record webhook event")
		return
	}
	if !inserted {
		metrics.ObserveWebhookEvent("duplicate")
		h.logf("duplicate webhook delivery ignored: event=%s name=%s", eventID, eventName)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
		return
	}

	metrics.ObserveWebhookEvent("applied")
	h.dispatch(eventName, evt)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// dispatch applies whatever side effects the event implies. The
// translation pipeline has no billing-state dependency, so every
// recognized event is currently just logged for audit.
func (h *WebhookHandler) dispatch(eventName string, evt webhookEventBody) {
	h.logf("webhook event applied: name=%s data.id=%s", eventName, evt.Data.ID)
}

func (h *WebhookHandler) validSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return secureEqual(expected, signature)
}

func (h *WebhookHandler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf("[webhook] "+format, args...)
	}
}
