package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/pkg/retrier"
	"go.uber.org/zap"
)

const defaultSendTimeout = 5 * time.Second

// Sink ships an event to an external system.
type Sink interface {
	Send(ctx context.Context, e domain.Event) error
	Close() error
}

// Encode renders an event as it travels over the wire.
func Encode(e domain.Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s event", e.Type)
	}
	return payload, nil
}

// Forward subscribes to b and sends every event to sink until ctx is done.
// A send is retried with r (once when r is nil); an event that still fails is logged and dropped.
func Forward(ctx context.Context, b *Broadcaster, sink Sink, name string, r *retrier.Retrier, l *zap.Logger) error {
	if l == nil {
		l = zap.NewNop()
	}
	if r == nil {
		r = retrier.New(retrier.WithMaxRetries(0))
	}
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	l.Info("event forwarding started", zap.String("sink", name))
	for {
		select {
		case <-ctx.Done():
			l.Info("event forwarding stopped", zap.String("sink", name))
			return nil
		case e, ok := <-sub:
			if !ok {
				return nil
			}
			err := r.Do(ctx, func(ctx context.Context) error {
				sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
				defer cancel()
				return sink.Send(sendCtx, e)
			})
			if err != nil && ctx.Err() == nil {
				l.Warn("failed to forward event",
					zap.String("sink", name),
					zap.String("type", string(e.Type)),
					zap.Error(err))
			}
		}
	}
}
