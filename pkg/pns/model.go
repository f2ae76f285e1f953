// Package pns contains the public domain model and the interfaces the
// delivery pipeline consumes from its external collaborators: the REST
// control plane (AlertIngress) and the relational store (DeviceStore).
package pns

import "time"

// Platform identifies which gateway a Device token belongs to.
type Platform string

const (
	PlatformAPNS Platform = "apns"
	PlatformGCM  Platform = "gcm"
)

// Valid reports whether platform is a known, deliverable platform.
func (p Platform) Valid() bool {
	return p == PlatformAPNS || p == PlatformGCM
}

// User owns zero or more Devices and may subscribe to zero or more Channels.
type User struct {
	ID     int64
	PnsID  string // opaque external identifier, unique per user
}

// Device is a single registered push target.
type Device struct {
	ID           int64
	UserID       int64
	Platform     Platform
	PlatformID   string // the gateway-assigned token
	Muted        bool
	MobileAppID  *string
	MobileAppVer *int64
	UpdatedAt    time.Time
}

// Channel is a named broadcast group.
type Channel struct {
	ID   int64
	Name string
}

// APNSOptions carries the APNS-specific knobs an alert may request.
type APNSOptions struct {
	Badge            *int  `json:"badge,omitempty"`
	Sound            string `json:"sound,omitempty"`
	ContentAvailable *int  `json:"content_available,omitempty"`
}

// GCMOptions carries the GCM-specific knobs an alert may request.
type GCMOptions struct {
	CollapseKey    string `json:"collapse_key,omitempty"`
	DelayWhileIdle bool   `json:"delay_while_idle,omitempty"`
}

// AlertEnvelope is the inbound request published onto pns_pre_processing.
// Field semantics match spec.md §6.
type AlertEnvelope struct {
	Alert      string                 `json:"alert"`
	ChannelID  *int64                 `json:"channel_id,omitempty"`
	PnsID      []string               `json:"pns_id,omitempty"`
	AppID      string                 `json:"appid,omitempty"`
	AppVer     *int64                 `json:"appver,omitempty"`
	TTL        *int64                 `json:"ttl,omitempty"`
	GCM        *GCMOptions            `json:"gcm,omitempty"`
	APNS       *APNSOptions           `json:"apns,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// HasDirectRecipients reports whether mode 1 (direct pns_id recipients) applies.
func (e AlertEnvelope) HasDirectRecipients() bool {
	return len(e.PnsID) > 0
}

// HasChannelTarget reports whether mode 2 (channel subscribers) applies.
func (e AlertEnvelope) HasChannelTarget() bool {
	return e.ChannelID != nil
}

// HasAppVersionFilter reports whether the (appid, appver) narrowing applies.
func (e AlertEnvelope) HasAppVersionFilter() bool {
	return e.AppID != "" && e.AppVer != nil
}

// IsBroadcastByAppVersion reports whether mode 3 (broadcast by app version)
// applies: neither direct recipients nor a channel target, but both appid and
// appver are set.
func (e AlertEnvelope) IsBroadcastByAppVersion() bool {
	return !e.HasDirectRecipients() && !e.HasChannelTarget() && e.HasAppVersionFilter()
}

// DeliveryJob is the message shape published onto pns_apns / pns_gcm.
// At most 1000 tokens per job (spec.md invariant 5). CorrelationID ties every
// chunk of one alert's fan-out back together in the gateway workers' logs.
type DeliveryJob struct {
	CorrelationID string        `json:"correlation_id,omitempty"`
	Devices       []string      `json:"devices"`
	Payload       AlertEnvelope `json:"payload"`
}

// MaxChunkSize is the gateway batch limit: every DeliveryJob holds at most
// this many tokens (spec.md §3 invariant 5, §4.2).
const MaxChunkSize = 1000
