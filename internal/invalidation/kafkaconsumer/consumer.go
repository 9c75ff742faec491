package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	obs "github.com/mohammed-shakir/spatial-filter-engine/internal/core/observability"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/invalidation"
	mylog "github.com/mohammed-shakir/spatial-filter-engine/internal/logger"
)

// Invalidator drops everything derived from a layer. Schema changes also
// drop compiled expressions.
type Invalidator interface {
	InvalidateLayer(ctx context.Context, layerID string) error
	InvalidateSchema(ctx context.Context, layerID string) error
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	inv    Invalidator
	seen   *lru.Cache[string, int64]
	zlog   *zerolog.Logger
}

func New(cfg Config, logger *slog.Logger, inv Invalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	n := cfg.DedupeLayers
	if n <= 0 {
		n = 4096
	}
	seen, _ := lru.New[string, int64](n)
	zl := zerolog.Nop()
	return &Consumer{cfg: cfg, logger: logger, inv: inv, seen: seen, zlog: &zl}
}

// Start consumes invalidation events until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.inv == nil {
		return errors.New("kafkaconsumer: missing invalidator")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	base := mylog.WithComponent(context.Background(), "kafka_consumer")
	zl := mylog.Build(mylog.Config{Level: "info", Component: "kafka_consumer"}, nil)
	c.zlog = mylog.FromContext(base, &zl)

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err)
				c.zlog.Error().Err(err).
					Strs("brokers", c.cfg.Brokers).
					Str("topic", c.cfg.Topic).
					Msg("kafka consumer error")
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single event. Malformed and replayed events are
// acknowledged without action; only a failed invalidation is redelivered.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncInvalidation("unknown", "decode_error")
		mylog.FromContext(ctx, c.zlog).Error().
			Str("kind", "decode").
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("kafka error")
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncInvalidation(ev.Op, "invalid")
		c.logger.Warn("invalid invalidation event", "layer", ev.Layer, "offset", msg.Offset, "err", err)
		return nil
	}
	if c.replayed(ev) {
		obs.IncInvalidation(ev.Op, "duplicate")
		c.logger.Debug("duplicate invalidation skipped", "layer", ev.Layer, "seq", ev.Seq)
		return nil
	}

	ctx = mylog.WithComponent(ctx, "invalidation")
	invalidate := c.inv.InvalidateLayer
	if ev.Op == "schema" {
		invalidate = c.inv.InvalidateSchema
	}
	if err := invalidate(ctx, ev.Layer); err != nil {
		obs.IncInvalidation(ev.Op, "error")
		mylog.FromContext(ctx, c.zlog).Error().Err(err).
			Str("layer", ev.Layer).
			Str("op", ev.Op).
			Msg("invalidation failed")
		return fmt.Errorf("invalidate layer %s: %w", ev.Layer, err)
	}
	if ev.Seq > 0 {
		c.seen.Add(ev.Layer, ev.Seq)
	}

	obs.IncInvalidation(ev.Op, "ok")
	mylog.FromContext(ctx, c.zlog).Info().
		Str("event", "invalidation").
		Str("op", ev.Op).Str("layer", ev.Layer).
		Int64("seq", ev.Seq).
		Msg("layer invalidated")
	return nil
}

func (c *Consumer) replayed(ev invalidation.Event) bool {
	if ev.Seq == 0 {
		return false
	}
	last, ok := c.seen.Get(ev.Layer)
	return ok && ev.Seq <= last
}
