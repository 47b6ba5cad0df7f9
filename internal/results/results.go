// Package results hands finished races to downstream consumers. Nothing here
// is stored; a sink only forwards.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DoyleJ11/typerace-backend/pkg/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Result struct {
	SessionKey string           `json:"sessionKey"`
	Round      int              `json:"round"`
	StartTime  time.Time        `json:"startTime"`
	FinishedAt time.Time        `json:"finishedAt"`
	Complete   bool             `json:"complete"`
	Standings  []types.Standing `json:"standings"`
}

type Sink interface {
	Publish(ctx context.Context, r Result) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Result) error { return nil }

// NATSSink publishes each result as JSON on "<subject>.<sessionKey>".
type NATSSink struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger
}

func NewNATSSink(url, subject string, log *zap.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("typerace-coordinator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSSink{nc: nc, subject: subject, log: log}, nil
}

func (s *NATSSink) Publish(ctx context.Context, r Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.nc.Publish(s.subject+"."+r.SessionKey, data); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
