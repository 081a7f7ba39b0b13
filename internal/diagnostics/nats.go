package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"metacontrol/internal/engine"
	"metacontrol/internal/metrics"
)

const (
	connectTimeout = 10 * time.Second
	// handleTimeout bounds one message, including messages delivered while
	// the subscription drains after shutdown.
	handleTimeout = 10 * time.Second
	drainTimeout  = 5 * time.Second
)

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("metacontrol"),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return conn, nil
}

// Subscriber applies diagnostics received on a queue group.
type Subscriber struct {
	Conn    *nats.Conn
	Subject string
	Queue   string
	Applier Applier
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	seen *lru.Cache[string, bool]
}

// NewSubscriber returns a subscriber that drops redelivered messages whose
// Nats-Msg-Id is among the last dedupeSize ids. Zero disables dedupe.
func NewSubscriber(conn *nats.Conn, subject, queue string, dedupeSize int, a Applier, logger *zap.Logger, m *metrics.Metrics) (*Subscriber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subscriber{Conn: conn, Subject: subject, Queue: queue, Applier: a, Logger: logger, Metrics: m}
	if dedupeSize > 0 {
		seen, err := lru.New[string, bool](dedupeSize)
		if err != nil {
			return nil, err
		}
		s.seen = seen
	}
	return s, nil
}

// Run subscribes and blocks until ctx ends, then drains the subscription.
func (s *Subscriber) Run(ctx context.Context) error {
	sub, err := s.Conn.QueueSubscribe(s.Subject, s.Queue, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.Subject, err)
	}
	s.Logger.Info("diagnostics subscribed", zap.String("subject", s.Subject), zap.String("queue", s.Queue))
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		s.Logger.Warn("drain diagnostics subscription", zap.Error(err))
		return nil
	}
	deadline := time.Now().Add(drainTimeout)
	for sub.IsValid() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sub.IsValid() {
		s.Logger.Warn("diagnostics drain timed out", zap.Duration("timeout", drainTimeout))
	}
	return nil
}

// handle applies one message. It does not inherit cancellation from ctx so
// that messages still buffered when Run stops are applied during the drain.
func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
	defer cancel()
	if id := msg.Header.Get(nats.MsgIdHdr); id != "" && s.seen != nil {
		if dup, _ := s.seen.ContainsOrAdd(id, true); dup {
			s.Logger.Debug("duplicate diagnostics message", zap.String("msg_id", id))
			if s.Metrics != nil {
				s.Metrics.DuplicateMessages.Inc()
			}
			return
		}
	}
	reports, skipped, err := Decode(msg.Data)
	if err != nil {
		s.Logger.Warn("undecodable diagnostics message", zap.String("subject", msg.Subject), zap.Error(err))
		if s.Metrics != nil {
			s.Metrics.ReportsSkipped.Inc()
		}
		return
	}
	if skipped > 0 && s.Metrics != nil {
		s.Metrics.ReportsSkipped.Add(float64(skipped))
	}
	res, err := Process(ctx, s.Applier, reports, s.Logger)
	if err != nil {
		s.Logger.Error("apply diagnostics", zap.Error(err))
		return
	}
	s.Logger.Debug("diagnostics applied",
		zap.Int("applied", res.Applied), zap.Int("target_not_found", res.NotFound),
		zap.Int("no_targets", res.NoTargets), zap.Int("skipped", skipped))
}

// Publisher reports cycle results on a subject.
type Publisher struct {
	Conn    *nats.Conn
	Subject string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Publish sends res if the cycle changed a grounding or was aborted. Failures
// are logged and counted; they never stop the reasoner.
func (p Publisher) Publish(_ context.Context, res engine.CycleResult) {
	if !res.Changed() && !res.Aborted {
		return
	}
	msg, err := resultMsg(p.Subject, res)
	if err == nil {
		err = p.Conn.PublishMsg(msg)
	}
	if err != nil {
		if p.Logger != nil {
			p.Logger.Warn("publish cycle result", zap.String("subject", p.Subject), zap.Error(err))
		}
		if p.Metrics != nil {
			p.Metrics.PublishErrors.Inc()
		}
	}
}

func resultMsg(subject string, res engine.CycleResult) (*nats.Msg, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, "cycle-"+uuid.NewString())
	msg.Header.Set("Content-Type", "application/json")
	if res.Aborted {
		msg.Header.Set("Metacontrol-Cycle", "aborted")
	} else {
		msg.Header.Set("Metacontrol-Cycle", "changed")
	}
	return msg, nil
}
