// Package pipeline implements the PreProcessor stage: it resolves an
// inbound AlertEnvelope's audience against the device store and republishes
// chunked DeliveryJobs onto the per-platform queues (spec.md §4.2,
// original_source/pns/workers/preprocessing_worker.py).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/turksat-oss/pns-dispatch/internal/broker"
	"github.com/turksat-oss/pns-dispatch/pkg/pns"
)

// Publisher is the narrow broker surface the PreProcessor needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// PreProcessor resolves an envelope's audience and fans it out, chunked, to
// the enabled platform queues.
type PreProcessor struct {
	store       pns.DeviceStore
	publisher   Publisher
	logger      *slog.Logger
	apnsEnabled bool
	gcmEnabled  bool
	saveAlerts  bool
}

// Config toggles which platforms this process fans out to, mirroring
// original_source's apns.enabled / gcm.enabled config flags.
type Config struct {
	APNSEnabled bool
	GCMEnabled  bool
	SaveAlerts  bool
}

// New builds a PreProcessor.
func New(store pns.DeviceStore, publisher Publisher, cfg Config, logger *slog.Logger) *PreProcessor {
	return &PreProcessor{
		store:       store,
		publisher:   publisher,
		logger:      logger.With("component", "PreProcessor"),
		apnsEnabled: cfg.APNSEnabled,
		gcmEnabled:  cfg.GCMEnabled,
		saveAlerts:  cfg.SaveAlerts,
	}
}

// HandleMessage decodes one pns_pre_processing delivery and resolves it,
// in priority order: direct pns_id recipients, then channel subscribers,
// then (if neither applies) an app-version broadcast (spec.md §4.2).
func (p *PreProcessor) HandleMessage(ctx context.Context, body []byte) broker.Outcome {
	var envelope pns.AlertEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		p.logger.Error("malformed alert envelope, dropping", "err", err)
		return broker.NackNoRequeue
	}

	correlationID := uuid.NewString()
	logger := p.logger.With("correlation_id", correlationID)

	if err := p.process(ctx, correlationID, envelope); err != nil {
		logger.Error("failed to process alert envelope", "err", err)
		// A resolution failure (store unreachable, publish unavailable) is
		// not the message's fault; nack-no-requeue still drops it rather
		// than spin forever, per spec.md's at-least-once/ack-and-drop
		// policy (Open Question #1).
		return broker.NackNoRequeue
	}
	return broker.Ack
}

func (p *PreProcessor) process(ctx context.Context, correlationID string, envelope pns.AlertEnvelope) error {
	if p.saveAlerts {
		if err := p.store.SaveAlertHistory(ctx, envelope); err != nil {
			p.logger.Error("failed to save alert history", "correlation_id", correlationID, "err", err)
		}
	}

	var appID string
	var minAppVer *int64
	if envelope.HasAppVersionFilter() {
		appID = envelope.AppID
		minAppVer = envelope.AppVer
	}

	switch {
	case envelope.HasDirectRecipients():
		return p.fanOutCursor(ctx, correlationID, envelope, func(platform pns.Platform) (pns.DeviceCursor, error) {
			return p.store.DevicesByPnsID(ctx, envelope.PnsID, platform, appID, minAppVer)
		})
	case envelope.HasChannelTarget():
		return p.fanOutCursor(ctx, correlationID, envelope, func(platform pns.Platform) (pns.DeviceCursor, error) {
			return p.store.DevicesByChannel(ctx, *envelope.ChannelID, platform, appID, minAppVer)
		})
	case envelope.IsBroadcastByAppVersion():
		return p.fanOutCursor(ctx, correlationID, envelope, func(platform pns.Platform) (pns.DeviceCursor, error) {
			return p.store.DevicesByAppVersion(ctx, platform, envelope.AppID, *envelope.AppVer)
		})
	}
	// None of the three modes apply: nothing to deliver (spec.md §4.2 edge case).
	return nil
}

func (p *PreProcessor) fanOutCursor(ctx context.Context, correlationID string, envelope pns.AlertEnvelope, open func(pns.Platform) (pns.DeviceCursor, error)) error {
	for platform, enabled := range map[pns.Platform]bool{
		pns.PlatformAPNS: p.apnsEnabled,
		pns.PlatformGCM:  p.gcmEnabled,
	} {
		if !enabled {
			continue
		}
		if err := p.fanOutPlatform(ctx, correlationID, platform, envelope, open); err != nil {
			return err
		}
	}
	return nil
}

func (p *PreProcessor) fanOutPlatform(ctx context.Context, correlationID string, platform pns.Platform, envelope pns.AlertEnvelope, open func(pns.Platform) (pns.DeviceCursor, error)) error {
	cursor, err := open(platform)
	if err != nil {
		return fmt.Errorf("open device cursor for %s: %w", platform, err)
	}
	defer cursor.Close(ctx)

	routingKey := broker.RoutingAPNS
	if platform == pns.PlatformGCM {
		routingKey = broker.RoutingGCM
	}

	for {
		batch, err := cursor.NextBatch(ctx)
		if err != nil {
			return fmt.Errorf("fetch device batch for %s: %w", platform, err)
		}
		if len(batch.Tokens) > 0 {
			if err := p.publishJob(ctx, routingKey, correlationID, batch.Tokens, envelope); err != nil {
				return err
			}
		}
		if !batch.HasMore {
			return nil
		}
	}
}

func (p *PreProcessor) publishJob(ctx context.Context, routingKey, correlationID string, tokens []string, envelope pns.AlertEnvelope) error {
	job := pns.DeliveryJob{CorrelationID: correlationID, Devices: tokens, Payload: envelope}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delivery job: %w", err)
	}
	if err := p.publisher.Publish(ctx, routingKey, body); err != nil {
		return fmt.Errorf("publish delivery job: %w", err)
	}
	p.logger.Debug("published delivery job", "correlation_id", correlationID, "routing_key", routingKey, "count", len(tokens))
	return nil
}
