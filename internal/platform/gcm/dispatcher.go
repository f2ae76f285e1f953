// Package gcm is the GCMWorker gateway: translates a pns.DeliveryJob into a
// single legacy GCM HTTP request and reconciles the registration_id-level
// result against the device store (spec.md §4.3,
// original_source/pns/workers/gcm_worker.py).
//
// Google retired the legacy GCM send endpoint in 2019 well before this pack
// was assembled, so no example repo carries a client for it; the wire shapes
// below are grounded on the legacy Message/Notification structs the
// other_examples firebase-go file documents. There is no ecosystem library
// left for this protocol, so the transport is a thin net/http client
// (documented as a required stdlib justification in DESIGN.md).
package gcm

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/turksat-oss/pns-dispatch/pkg/pns"
)

const endpoint = "https://android.googleapis.com/gcm/send"

// maxTTLSeconds is the legacy protocol's upper bound on time_to_live (28
// days); defaultTTLSeconds is substituted when a requested value falls
// outside (0, maxTTLSeconds] (original_source: "out of boundary" → ignored).
const (
	maxTTLSeconds     = 28 * 24 * 60 * 60
	defaultTTLSeconds = 5 * 24 * 60 * 60
)

// httpDoer is the subset of *http.Client the dispatcher needs, for test
// substitution.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// request is the legacy GCM JSON wire payload.
type request struct {
	RegistrationIDs []string               `json:"registration_ids"`
	Data            map[string]interface{} `json:"data,omitempty"`
	CollapseKey     string                 `json:"collapse_key,omitempty"`
	DelayWhileIdle  bool                   `json:"delay_while_idle,omitempty"`
	TimeToLive      int                    `json:"time_to_live,omitempty"`
}

// result is one element of the legacy GCM "results" array, keyed by index
// against the request's registration_ids.
type result struct {
	MessageID      string `json:"message_id,omitempty"`
	RegistrationID string `json:"registration_id,omitempty"` // canonical id, if present
	Error          string `json:"error,omitempty"`
}

type response struct {
	MulticastID  int64    `json:"multicast_id"`
	Success      int      `json:"success"`
	Failure      int      `json:"failure"`
	CanonicalIDs int      `json:"canonical_ids"`
	Results      []result `json:"results"`
}

// Config holds the GCM API key used as the legacy Authorization: key=...
// header.
type Config struct {
	APIKey string
}

// Dispatcher sends DeliveryJobs to the legacy GCM HTTP endpoint.
type Dispatcher struct {
	cfg    Config
	store  pns.DeviceStore
	logger *slog.Logger
	client httpDoer
}

// NewDispatcher builds a Dispatcher against the given store.
func NewDispatcher(cfg Config, store pns.DeviceStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "GCMWorker"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Dispatch sends job to the GCM endpoint and reconciles every per-token
// result: NotRegistered/InvalidRegistration tokens are deleted, canonical id
// replacements rewrite the stored token, colliding with an existing row
// deletes the stale duplicate instead (spec.md invariant 4).
//
// A failure to even reach GCM (marshal/build/transport/decode) is logged and
// dropped rather than returned: spec.md's gateway exception policy is the
// same ack-and-drop the APNSWorker applies (Open Question #1), not a retry
// loop, so the message is acked and the job is abandoned instead of being
// redelivered indefinitely.
func (d *Dispatcher) Dispatch(ctx context.Context, job pns.DeliveryJob) error {
	if len(job.Devices) == 0 {
		return nil
	}
	logger := d.logger.With("correlation_id", job.CorrelationID)

	req := buildRequest(job.Devices, job.Payload)
	body, err := json.Marshal(req)
	if err != nil {
		logger.Error("gcm marshal request failed, dropping job", "err", err)
		return nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		logger.Error("gcm build request failed, dropping job", "err", err)
		return nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "key="+d.cfg.APIKey)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		logger.Error("gcm transport failed, dropping job", "err", err)
		return nil
	}
	defer httpResp.Body.Close()

	var resp response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		logger.Error("gcm decode response failed, dropping job", "err", err)
		return nil
	}

	for i, res := range resp.Results {
		if i >= len(job.Devices) {
			break
		}
		token := job.Devices[i]

		switch res.Error {
		case "NotRegistered", "InvalidRegistration":
			if err := d.store.DeleteByToken(ctx, pns.PlatformGCM, token); err != nil {
				logger.Error("failed to delete invalid gcm token", "token", token, "err", err)
			}
			continue
		case "":
		default:
			logger.Warn("gcm rejected registration id", "token", token, "error", res.Error)
			continue
		}

		if res.RegistrationID != "" && res.RegistrationID != token {
			d.reconcileCanonical(ctx, logger, token, res.RegistrationID)
		}
	}

	return nil
}

// reconcileCanonical implements spec.md invariant 4: if the canonical id
// already has a row, the stale duplicate is deleted; otherwise the existing
// row's token is rewritten in place. original_source rewrites
// unconditionally; the existence check is this spec's addition to avoid a
// duplicate-token row.
func (d *Dispatcher) reconcileCanonical(ctx context.Context, logger *slog.Logger, oldToken, canonicalToken string) {
	exists, err := d.store.ExistsByToken(ctx, pns.PlatformGCM, canonicalToken)
	if err != nil {
		logger.Error("failed to check canonical token existence", "token", canonicalToken, "err", err)
		return
	}
	if exists {
		if err := d.store.DeleteByToken(ctx, pns.PlatformGCM, oldToken); err != nil {
			logger.Error("failed to delete superseded gcm token", "token", oldToken, "err", err)
		}
		return
	}
	if err := d.store.UpdateToken(ctx, pns.PlatformGCM, oldToken, canonicalToken); err != nil {
		logger.Error("failed to rewrite canonical gcm token", "old_token", oldToken, "new_token", canonicalToken, "err", err)
	}
}

func buildRequest(tokens []string, envelope pns.AlertEnvelope) request {
	data := map[string]interface{}{}
	for k, v := range envelope.Data {
		data[k] = v
	}
	// original_source duplicates the top-level alert text into data.alert
	// unconditionally, even if a data.alert key was already present
	// (preserved bit-exactly per SPEC_FULL.md Open Question #2).
	data["alert"] = envelope.Alert

	req := request{
		RegistrationIDs: tokens,
		Data:            data,
	}
	if envelope.GCM != nil {
		req.CollapseKey = envelope.GCM.CollapseKey
		req.DelayWhileIdle = envelope.GCM.DelayWhileIdle
	}
	req.TimeToLive = resolveTTL(envelope.TTL)
	return req
}

// resolveTTL mirrors original_source's boundary check: values outside
// (0, maxTTLSeconds] are out of range and the default is substituted instead.
// ttl=0 falls into the same bucket: the original's Python truthiness treats a
// 0 ttl as unset (`if ttl:`), so this dispatcher also defaults on it rather
// than sending a literal zero time_to_live (original logs a warning and uses
// ttl=None, i.e. GCM's own default; this dispatcher pins that default
// explicitly since the legacy endpoint has no "ttl omitted" client-side hint
// here).
func resolveTTL(ttl *int64) int {
	if ttl == nil {
		return defaultTTLSeconds
	}
	v := *ttl
	if v <= 0 || v > maxTTLSeconds {
		return defaultTTLSeconds
	}
	return int(v)
}
