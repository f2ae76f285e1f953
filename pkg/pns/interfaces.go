package pns

import "context"

// AlertIngress is the external collaborator (REST control plane) that
// validates and publishes an AlertEnvelope onto the pipeline. The core never
// implements request validation itself — that is the control plane's job
// (spec.md §1, "Deliberately out of scope").
type AlertIngress interface {
	// Publish hands a validated envelope to the pipeline's first stage.
	Publish(ctx context.Context, envelope AlertEnvelope) error
}

// DeviceBatch is one page of a streamed device query: the platform tokens in
// this page plus whether more pages remain.
type DeviceBatch struct {
	Tokens  []string
	HasMore bool
}

// DeviceCursor is the lazy batched cursor abstraction design note §9 calls
// for in place of a generator/yield-per query: NextBatch advances the
// server-side cursor by one page (spec.md §4.2: batch size 1000) and Close
// releases the underlying resources. Callers must call Close exactly once,
// even after an error.
type DeviceCursor interface {
	NextBatch(ctx context.Context) (DeviceBatch, error)
	Close(ctx context.Context) error
}

// DeviceStore is the read/write query surface the pipeline needs against the
// relational store (spec.md §6). All three streaming queries are
// platform-filtered and exclude muted devices; the app-version narrowing
// applies when AppID+AppVer are both set.
type DeviceStore interface {
	// DevicesByPnsID streams devices owned by any of the given pns_ids,
	// matching platform, optionally narrowed by (appID, minAppVer).
	DevicesByPnsID(ctx context.Context, pnsIDs []string, platform Platform, appID string, minAppVer *int64) (DeviceCursor, error)

	// DevicesByChannel streams devices belonging to subscribers of the given
	// channel, matching platform, optionally narrowed by (appID, minAppVer).
	DevicesByChannel(ctx context.Context, channelID int64, platform Platform, appID string, minAppVer *int64) (DeviceCursor, error)

	// DevicesByAppVersion streams all devices with mobile_app_id = appID and
	// mobile_app_ver >= minAppVer, matching platform.
	DevicesByAppVersion(ctx context.Context, platform Platform, appID string, minAppVer int64) (DeviceCursor, error)

	// DeleteByToken removes the Device row with the given platform token.
	// A no-op (not an error) if the row no longer exists (spec.md §5: control
	// plane deletes mid-reconciliation are treated as no-ops).
	DeleteByToken(ctx context.Context, platform Platform, token string) error

	// ExistsByToken reports whether a Device row with this token exists.
	ExistsByToken(ctx context.Context, platform Platform, token string) (bool, error)

	// UpdateToken rewrites a Device row's token in place.
	UpdateToken(ctx context.Context, platform Platform, oldToken, newToken string) error

	// FindByToken returns the Device row for a token, or (nil, nil) if absent.
	FindByToken(ctx context.Context, platform Platform, token string) (*Device, error)

	// SaveAlertHistory persists the envelope for audit purposes when
	// application.save_alerts is enabled. It never affects fan-out.
	SaveAlertHistory(ctx context.Context, envelope AlertEnvelope) error
}
