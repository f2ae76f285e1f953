// Package service assembles one PNS process: an HTTP health surface
// (BaseServer, same as the teacher) wrapped around a broker consumer loop
// running a stage's message handler (spec.md §5). Each cmd/ entrypoint
// builds one Wrapper for the queue it owns.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"

	"github.com/turksat-oss/pns-dispatch/internal/broker"
)

// Consumer is the narrow broker surface a Wrapper drives.
type Consumer interface {
	Consume(ctx context.Context, routingKey string, handler broker.Handler) error
	Close() error
}

// Wrapper runs a single queue's consume loop alongside the shared
// BaseServer health/readiness HTTP surface.
type Wrapper struct {
	*microservice.BaseServer
	consumer   Consumer
	routingKey string
	handler    broker.Handler
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan error
}

// New assembles a Wrapper for one queue.
func New(cfg Config, consumer Consumer, routingKey string, handler broker.Handler, logger *slog.Logger) *Wrapper {
	return &Wrapper{
		BaseServer: microservice.NewBaseServer(logger, cfg.ListenAddr),
		consumer:   consumer,
		routingKey: routingKey,
		handler:    handler,
		logger:     logger,
		done:       make(chan error, 1),
	}
}

// Config is the subset of internal/config.Config a Wrapper needs.
type Config struct {
	ListenAddr string
}

// Start launches the consume loop in the background, marks the process
// ready, and blocks serving the health HTTP surface (mirrors the teacher's
// Wrapper.Start).
func (w *Wrapper) Start(ctx context.Context) error {
	consumeCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go func() {
		w.logger.Info("consume loop starting", "routing_key", w.routingKey)
		w.done <- w.consumer.Consume(consumeCtx, w.routingKey, w.handler)
	}()

	w.SetReady(true)
	w.logger.Info("service is now ready")
	return w.BaseServer.Start()
}

// Shutdown stops the consume loop and the HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("shutting down service components")
	var finalErr error

	if w.cancel != nil {
		w.cancel()
		if err := <-w.done; err != nil && err != context.Canceled {
			w.logger.Error("consume loop exited with error", "err", err)
			finalErr = err
		}
	}
	if err := w.consumer.Close(); err != nil {
		w.logger.Error("broker close failed", "err", err)
		finalErr = fmt.Errorf("broker close: %w", err)
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("http server shutdown failed", "err", err)
		finalErr = err
	}
	w.logger.Info("service shutdown complete")
	return finalErr
}
