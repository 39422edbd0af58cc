package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconnect backoff. Starts at retryDelay and doubles up to retryMaxDelay.
var (
	retryDelay    = 1 * time.Second
	retryMaxDelay = 60 * time.Second
	superviseTick = 1 * time.Second
)

type connectable interface {
	Name() string
	Connect() error
}

// connectWithRetry attempts to connect with exponential backoff, logging
// each of the first maxAttempts failures at warn and the rest at debug.
// It returns false only when ctx is cancelled.
func connectWithRetry(ctx context.Context, log *zap.Logger, c connectable, maxAttempts int) bool {
	delay := retryDelay
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Info("connected", zap.String("device", c.Name()), zap.Int("attempt", attempt+1))
			return true
		}

		attempt++
		fields := []zap.Field{
			zap.String("device", c.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("retry", delay),
			zap.Error(err),
		}
		if attempt <= maxAttempts {
			log.Warn("connect failed", fields...)
		} else {
			log.Debug("connect failed", fields...)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

type restartable interface {
	Start(ctx context.Context) bool
	Done() <-chan struct{}
}

type reconnectable interface {
	connectable
	IsConnected() bool
}

// supervise restarts the monitor after the hand controller link drops and
// comes back. A monitor that ended on a device error while the link stayed
// up is left stopped; so is one stopped through the API.
func supervise(ctx context.Context, log *zap.Logger, mon restartable, link reconnectable) {
	ticker := time.NewTicker(superviseTick)
	defer ticker.Stop()

	var handled <-chan struct{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		done := mon.Done()
		if done == nil || done == handled {
			continue
		}
		select {
		case <-done:
		default:
			continue // still running
		}
		handled = done

		if link.IsConnected() {
			log.Warn("monitor ended with the link up, not restarting", zap.String("device", link.Name()))
			continue
		}

		log.Info("link lost, reconnecting", zap.String("device", link.Name()))
		if !connectWithRetry(ctx, log, link, 10) {
			return
		}
		mon.Start(ctx)
	}
}
