// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package automation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/store"
)

const (
	maxWebhookBody    = 1 << 20 // 1 MiB request cap
	maxPayloadSubst   = 5 * 1024
	maxHeadersSubst   = 1024
	signatureHeader   = "X-Signature-256"
	ghSignatureHeader = "X-Hub-Signature-256"
)

// WebhookStore is the slice of pkg/store the handler needs.
type WebhookStore interface {
	GetWebhook(ctx context.Context, id string) (*store.Webhook, error)
}

// WebhookHandler turns signed inbound requests into tasks. Routes are
// /webhooks/{id}; the id is opaque and unguessable, the HMAC signature is
// the real gate.
type WebhookHandler struct {
	store    WebhookStore
	launcher Launcher
	userID   string
}

func NewWebhookHandler(webhookStore WebhookStore, launcher Launcher, userID string) *WebhookHandler {
	return &WebhookHandler{store: webhookStore, launcher: launcher, userID: userID}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	hook, err := h.store.GetWebhook(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !hook.Enabled {
		http.Error(w, "webhook disabled", http.StatusForbidden)
		return
	}
	if !sourceAllowed(r.RemoteAddr, hook.AllowedIPs) {
		http.Error(w, "source not allowed", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if !verifySignature(hook.Secret, body, r.Header) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	goal := substituteTemplate(hook.GoalTemplate, body, r.Header)
	t, err := h.launcher.Launch(r.Context(), hook.Workspace, h.userID, goal, "webhook:"+hook.Name)
	if err != nil {
		logger.GetLogger().Error("Webhook launch failed", "webhook", hook.Name, "error", err)
		http.Error(w, "launch failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"task_id": t.ID})
}

// verifySignature checks "sha256=<hex>" in either signature header against
// HMAC-SHA256(secret, body) with a constant-time compare.
func verifySignature(secret string, body []byte, headers http.Header) bool {
	sig := headers.Get(signatureHeader)
	if sig == "" {
		sig = headers.Get(ghSignatureHeader)
	}
	hexDigest, ok := strings.CutPrefix(sig, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func sourceAllowed(remoteAddr string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	for _, ip := range allowed {
		if host == ip {
			return true
		}
	}
	return false
}

// substituteTemplate fills {payload} and {headers} into the goal template,
// truncated so one noisy webhook cannot blow up the prompt.
func substituteTemplate(template string, body []byte, headers http.Header) string {
	payload := string(body)
	if len(payload) > maxPayloadSubst {
		payload = payload[:maxPayloadSubst]
	}

	var rendered strings.Builder
	for name, values := range headers {
		fmt.Fprintf(&rendered, "%s: %s\n", name, strings.Join(values, ", "))
		if rendered.Len() > maxHeadersSubst {
			break
		}
	}
	headerText := rendered.String()
	if len(headerText) > maxHeadersSubst {
		headerText = headerText[:maxHeadersSubst]
	}

	out := strings.ReplaceAll(template, "{payload}", payload)
	return strings.ReplaceAll(out, "{headers}", headerText)
}
