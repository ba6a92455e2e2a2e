package propagation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/acorn-io/acorn-ddns/pkg/db"
	"github.com/acorn-io/acorn-ddns/pkg/metrics"
	"github.com/acorn-io/acorn-ddns/pkg/model"
	"github.com/acorn-io/acorn-ddns/pkg/signal"
	"github.com/sirupsen/logrus"
)

const (
	DefaultFastInterval = 2 * time.Second
	DefaultSlowInterval = 20 * time.Second

	keepaliveComment = "keepalive"
)

// HostLister lists an owner's hosts, newest first.
type HostLister interface {
	ListHostsByOwner(ctx context.Context, ownerID string) ([]db.Host, error)
}

// Sink receives stream frames. An error from either method ends the stream.
type Sink interface {
	Data(payload []byte) error
	Comment(text string) error
}

type Options struct {
	FastInterval time.Duration
	SlowInterval time.Duration
}

// Service pushes host list snapshots to connected dashboards. It polls the
// change signal on a fast interval and re-sends unconditionally on a slow
// one, so a signal store outage only costs latency.
type Service struct {
	hosts   HostLister
	signals signal.Store
	fqdn    func(subdomain string) string
	fast    time.Duration
	slow    time.Duration
	log     *logrus.Entry
	now     func() time.Time
}

func New(hosts HostLister, signals signal.Store, fqdn func(string) string, opts Options, log *logrus.Entry) *Service {
	if opts.FastInterval <= 0 {
		opts.FastInterval = DefaultFastInterval
	}
	if opts.SlowInterval <= 0 {
		opts.SlowInterval = DefaultSlowInterval
	}
	return &Service{
		hosts:   hosts,
		signals: signals,
		fqdn:    fqdn,
		fast:    opts.FastInterval,
		slow:    opts.SlowInterval,
		log:     log,
		now:     time.Now,
	}
}

// Snapshot returns the owner's current hosts, newest first.
func (s *Service) Snapshot(ctx context.Context, ownerID string) ([]model.HostView, error) {
	hosts, err := s.hosts.ListHostsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing hosts for %s: %w", ownerID, err)
	}
	views := make([]model.HostView, 0, len(hosts))
	for _, h := range hosts {
		fqdn := ""
		if s.fqdn != nil {
			fqdn = s.fqdn(h.Subdomain)
		}
		views = append(views, h.View(fqdn))
	}
	return views, nil
}

// Stream writes an initial snapshot and then keeps the sink current until ctx
// is done or the sink fails. It returns nil when ctx ends the stream.
func (s *Service) Stream(ctx context.Context, ownerID string, sink Sink) error {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	log := s.log.WithField("owner", ownerID)
	log.Debug("change stream opened")
	defer log.Debug("change stream closed")

	if err := s.push(ctx, ownerID, sink, log); err != nil {
		return err
	}

	fast := time.NewTicker(s.fast)
	defer fast.Stop()
	slow := time.NewTicker(s.slow)
	defer slow.Stop()

	key := signal.OwnerKey(ownerID)
	var lastSignaled time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fast.C:
			if !s.consume(ctx, key, log) {
				continue
			}
			if err := s.push(ctx, ownerID, sink, log); err != nil {
				return err
			}
			lastSignaled = s.now()
		case <-slow.C:
			if err := s.push(ctx, ownerID, sink, log); err != nil {
				return err
			}
			if !lastSignaled.IsZero() && s.now().Sub(lastSignaled) < s.slow {
				if err := sink.Comment(keepaliveComment); err != nil {
					return err
				}
			}
		}
	}
}

// consume reports whether the owner's change signal was set, deleting it if
// so. Store errors count as no signal.
func (s *Service) consume(ctx context.Context, key string, log *logrus.Entry) bool {
	if s.signals == nil {
		return false
	}
	changed, err := s.signals.Get(ctx, key)
	if err != nil {
		if ctx.Err() == nil {
			metrics.SignalErrors.WithLabelValues("get").Inc()
			log.WithError(err).Debug("polling change signal")
		}
		return false
	}
	if !changed {
		return false
	}
	if err := s.signals.Delete(ctx, key); err != nil && ctx.Err() == nil {
		metrics.SignalErrors.WithLabelValues("delete").Inc()
		log.WithError(err).Debug("deleting change signal")
	}
	return true
}

// push sends a fresh snapshot. A failed read skips this frame and keeps the
// stream open; only sink errors are returned.
func (s *Service) push(ctx context.Context, ownerID string, sink Sink, log *logrus.Entry) error {
	views, err := s.Snapshot(ctx, ownerID)
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Warn("building host snapshot")
		}
		return nil
	}
	payload, err := json.Marshal(views)
	if err != nil {
		return err
	}
	return sink.Data(payload)
}
