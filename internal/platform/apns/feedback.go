package apns

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/turksat-oss/pns-dispatch/pkg/pns"
)

// feedbackProductionHost and feedbackSandboxHost are Apple's legacy binary
// feedback service endpoints (original_source: apns_clerk.Session's
// "feedback_production"/"feedback_sandbox" connection names). Apple retired
// this protocol in 2021 in favor of response-driven reconciliation, but
// spec.md §4.4 still calls for a periodic feedback pass, so FeedbackTask
// speaks it directly: sideshow/apns2 only implements the modern push API and
// has no feedback-service client.
const (
	feedbackProductionHost = "feedback.push.apple.com:2196"
	feedbackSandboxHost    = "feedback.sandbox.push.apple.com:2196"
)

// feedbackTuple is one (token, failed_at) record as the feedback service
// streams it: a 4-byte timestamp, a 2-byte token length, then the raw token.
type feedbackTuple struct {
	Token    string
	FailedAt time.Time
}

// FeedbackTask periodically drains the APNS feedback stream and evicts
// tokens that have not re-registered since being reported
// (original_source/pns/workers/apns_feedback_worker.py).
type FeedbackTask struct {
	cert    tls.Certificate
	sandbox bool
	store   pns.DeviceStore
	logger  *slog.Logger

	dial func(cert tls.Certificate, sandbox bool) (io.ReadCloser, error)
}

// NewFeedbackTask builds a FeedbackTask against the given store.
func NewFeedbackTask(cert tls.Certificate, sandbox bool, store pns.DeviceStore, logger *slog.Logger) *FeedbackTask {
	return &FeedbackTask{
		cert:    cert,
		sandbox: sandbox,
		store:   store,
		logger:  logger.With("component", "FeedbackTask"),
		dial:    dialFeedbackService,
	}
}

func dialFeedbackService(cert tls.Certificate, sandbox bool) (io.ReadCloser, error) {
	host := feedbackProductionHost
	if sandbox {
		host = feedbackSandboxHost
	}
	conn, err := tls.Dial("tcp", host, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return nil, fmt.Errorf("apns feedback: dial %s: %w", host, err)
	}
	return conn, nil
}

// Run drains one feedback session. Any IO failure after a successful
// connection simply stops the stream early; the rest of the tokens are
// picked up next run, mirroring the original's "generator stops iterating"
// behavior. Each eviction is a separate store call that takes effect
// immediately; the tuples are not reconciled in one transaction. An error
// partway through reconciling stops the run and returns that error: the
// remaining tuples are not processed, and devices already deleted earlier in
// the run stay deleted.
func (f *FeedbackTask) Run(ctx context.Context) error {
	conn, err := f.dial(f.cert, f.sandbox)
	if err != nil {
		return err
	}
	defer conn.Close()

	tuples, streamErr := readFeedbackStream(conn)
	if streamErr != nil {
		f.logger.Warn("feedback stream ended early", "tokens_read", len(tuples), "err", streamErr)
	}

	for _, tuple := range tuples {
		if err := f.reconcile(ctx, tuple); err != nil {
			f.logger.Error("feedback reconciliation failed, discarding remaining batch", "err", err)
			return err
		}
	}
	return nil
}

// reconcile implements the original's two delete conditions: a device whose
// updated_at predates the failure report is stale (hasn't re-registered
// since), and a device with no updated_at at all is unreconcilable and is
// also evicted (Open Question #3).
func (f *FeedbackTask) reconcile(ctx context.Context, tuple feedbackTuple) error {
	device, err := f.store.FindByToken(ctx, pns.PlatformAPNS, tuple.Token)
	if err != nil {
		return err
	}
	if device == nil {
		return nil
	}
	if device.UpdatedAt.IsZero() || device.UpdatedAt.Before(tuple.FailedAt) {
		return f.store.DeleteByToken(ctx, pns.PlatformAPNS, tuple.Token)
	}
	return nil
}

// readFeedbackStream parses Apple's legacy binary feedback wire format:
// repeating records of [4-byte unix timestamp][2-byte token length][token
// bytes]. It returns every tuple read before any error, alongside that error
// (nil on clean EOF).
func readFeedbackStream(r io.Reader) ([]feedbackTuple, error) {
	var tuples []feedbackTuple
	header := make([]byte, 6)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return tuples, nil
			}
			return tuples, err
		}
		failedAt := time.Unix(int64(binary.BigEndian.Uint32(header[0:4])), 0)
		tokenLen := binary.BigEndian.Uint16(header[4:6])

		tokenBytes := make([]byte, tokenLen)
		if _, err := io.ReadFull(r, tokenBytes); err != nil {
			return tuples, err
		}

		tuples = append(tuples, feedbackTuple{
			Token:    fmt.Sprintf("%x", tokenBytes),
			FailedAt: failedAt,
		})
	}
}
