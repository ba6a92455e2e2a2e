package commands

import (
	"context"
	"time"

	"github.com/acorn-io/acorn-ddns/pkg/apiserver"
	"github.com/acorn-io/acorn-ddns/pkg/db"
	"github.com/acorn-io/acorn-ddns/pkg/propagation"
	"github.com/acorn-io/acorn-ddns/pkg/publisher"
	"github.com/acorn-io/acorn-ddns/pkg/resolver"
	"github.com/acorn-io/acorn-ddns/pkg/signal"
	"github.com/acorn-io/acorn-ddns/pkg/updater"
	"github.com/acorn-io/acorn-ddns/pkg/version"
	"github.com/acorn-io/acorn-ddns/pkg/webhook"
	"github.com/rancher/wrangler/pkg/signals"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const publishTimeout = 30 * time.Second

type serverCommandRunner struct{}

// Execute runs the update API, the change streams and the DNS resolver in
// one process. If either listener fails the other is shut down.
func (s *serverCommandRunner) Execute(c *cli.Context) error {
	ctx := signals.SetupSignalHandler(context.Background())

	log := logrus.WithField("command", "server")

	log.Infof("version: %v", version.Get())

	database, err := openDatabase(ctx, c)
	if err != nil {
		return err
	}

	signalStore, err := signal.New(c.String("signal-store-url"))
	if err != nil {
		return err
	}

	hooks := webhook.NewDispatcher(database, c.Duration("webhook-timeout"), log.WithField("component", "webhook"))
	updates := updater.New(database, signalStore, hooks, updater.Options{
		Zone:      c.String("zone"),
		SignalTTL: c.Duration("signal-ttl"),
	}, log.WithField("component", "updater"))

	res := resolver.New(database, resolverConfig(c), log.WithField("component", "resolver"))
	updates.OnChange(res.Invalidate)

	streams := propagation.New(database, signalStore, updates.FQDN, propagation.Options{
		FastInterval: c.Duration("stream-fast-interval"),
		SlowInterval: c.Duration("stream-slow-interval"),
	}, log.WithField("component", "propagation"))

	g, ctx := errgroup.WithContext(ctx)

	if zoneID := c.String("route53-zone-id"); zoneID != "" {
		pub, err := publisher.New(ctx, zoneID, database, log.WithField("component", "publisher"))
		if err != nil {
			return err
		}
		mirrorUpdates(updates, pub, log)
		if interval := c.Duration("purge-interval"); interval > 0 {
			go pub.StartPurgerDaemon(ctx, interval)
		}
	}

	dnsServer := resolver.NewServer(c.String("dns-listen"), res, log.WithField("component", "dns"))
	g.Go(func() error {
		return dnsServer.Start(ctx)
	})

	api := apiserver.NewAPIServer(ctx, log, apiserver.Config{
		Port:           c.Int("port"),
		DashboardToken: c.String("dashboard-token"),
		UpdateRate:     rate.Limit(c.Float64("update-rate")),
		UpdateBurst:    c.Int("update-burst"),
		TrustProxy:     c.Bool("trust-proxy-headers"),
	}, updates, streams)
	g.Go(api.Start)

	return g.Wait()
}

// mirrorUpdates republishes every accepted update to Route53 in the
// background.
func mirrorUpdates(updates *updater.Service, pub *publisher.Publisher, log *logrus.Entry) {
	updates.OnChange(func(subdomain string) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := pub.Sync(ctx, subdomain); err != nil {
				log.WithError(err).WithField("subdomain", subdomain).Warn("publishing to route53")
			}
		}()
	})
}

func resolverConfig(c *cli.Context) resolver.Config {
	return resolver.Config{
		Zone:          c.String("zone"),
		SOANameserver: c.String("soa-ns"),
		SOAMailbox:    c.String("soa-mbox"),
		QueryTimeout:  c.Duration("dns-query-timeout"),
		CacheTTL:      c.Duration("dns-cache-ttl"),

		CacheMaxEntries: c.Int("dns-cache-size"),
	}
}

func resolverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "dns-listen",
			Usage:   "Address the DNS server listens on, UDP and TCP",
			EnvVars: []string{"DDNS_DNS_LISTEN", "DNS_LISTEN"},
			Value:   ":53",
		},
		&cli.DurationFlag{
			Name:    "dns-cache-ttl",
			Usage:   "How long resolved hosts are cached, 0 to read the database on every query",
			EnvVars: []string{"DDNS_DNS_CACHE_TTL"},
			Value:   3 * time.Second,
		},
		&cli.IntFlag{
			Name:    "dns-cache-size",
			Usage:   "Maximum number of cached host lookups, new names are not cached when full",
			EnvVars: []string{"DDNS_DNS_CACHE_SIZE"},
			Value:   resolver.DefaultCacheMaxEntries,
		},
		&cli.DurationFlag{
			Name:    "dns-query-timeout",
			Usage:   "Upper bound on database time spent answering one query",
			EnvVars: []string{"DDNS_DNS_QUERY_TIMEOUT"},
			Value:   resolver.DefaultQueryTimeout,
		},
		&cli.StringFlag{
			Name:    "soa-ns",
			Usage:   "Primary nameserver in the zone SOA, defaults to ns1.<zone>",
			EnvVars: []string{"DDNS_SOA_NS"},
		},
		&cli.StringFlag{
			Name:    "soa-mbox",
			Usage:   "Responsible mailbox in the zone SOA, defaults to hostmaster.<zone>",
			EnvVars: []string{"DDNS_SOA_MBOX"},
		},
	}
}

func serverCommand() *cli.Command {
	cmd := serverCommandRunner{}

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "Port for the HTTP Server Port",
			EnvVars: []string{"DDNS_PORT", "PORT"},
			Value:   4315,
		},
		&cli.StringFlag{
			Name:    "signal-store-url",
			Usage:   "redis:// URL of the change signal store, in-memory when empty",
			EnvVars: []string{"DDNS_SIGNAL_STORE_URL", "REDIS_URL"},
		},
		&cli.DurationFlag{
			Name:    "signal-ttl",
			Usage:   "Lifetime of a change signal nobody consumed",
			EnvVars: []string{"DDNS_SIGNAL_TTL"},
			Value:   updater.DefaultSignalTTL,
		},
		&cli.DurationFlag{
			Name:    "stream-fast-interval",
			Usage:   "How often dashboard streams poll the change signal",
			EnvVars: []string{"DDNS_STREAM_FAST_INTERVAL"},
			Value:   propagation.DefaultFastInterval,
		},
		&cli.DurationFlag{
			Name:    "stream-slow-interval",
			Usage:   "How often dashboard streams resend unconditionally",
			EnvVars: []string{"DDNS_STREAM_SLOW_INTERVAL"},
			Value:   propagation.DefaultSlowInterval,
		},
		&cli.DurationFlag{
			Name:    "webhook-timeout",
			Usage:   "Timeout of one webhook delivery",
			EnvVars: []string{"DDNS_WEBHOOK_TIMEOUT"},
			Value:   webhook.DefaultTimeout,
		},
		&cli.StringFlag{
			Name:    "dashboard-token",
			Usage:   "Bearer token required on owner change streams, streams are disabled when empty",
			EnvVars: []string{"DDNS_DASHBOARD_TOKEN"},
		},
		&cli.Float64Flag{
			Name:    "update-rate",
			Usage:   "Update requests per second allowed per caller IP, 0 disables the limit",
			EnvVars: []string{"DDNS_UPDATE_RATE"},
			Value:   1,
		},
		&cli.IntFlag{
			Name:    "update-burst",
			Usage:   "Burst of update requests allowed per caller IP",
			EnvVars: []string{"DDNS_UPDATE_BURST"},
			Value:   5,
		},
		&cli.BoolFlag{
			Name:    "trust-proxy-headers",
			Usage:   "Take the caller address from X-Forwarded-For/X-Real-IP, only behind a proxy that sets them",
			EnvVars: []string{"DDNS_TRUST_PROXY_HEADERS"},
		},
		&cli.StringFlag{
			Name:    "route53-zone-id",
			Usage:   "Route53 hosted zone to mirror host records into, disabled when empty",
			EnvVars: []string{"DDNS_ROUTE53_ZONE_ID", "ROUTE53_ZONE_ID"},
		},
		&cli.DurationFlag{
			Name:    "purge-interval",
			Usage:   "How often orphaned Route53 records are purged, 0 disables the purger",
			EnvVars: []string{"DDNS_PURGE_INTERVAL", "PURGE_INTERVAL"},
			Value:   time.Hour,
		},
	}

	flags = append(flags, databaseFlags()...)
	flags = append(flags, resolverFlags()...)

	return &cli.Command{
		Name:   "server",
		Usage:  "run the update API, change streams and DNS resolver",
		Action: cmd.Execute,
		Flags:  append(flags, GlobalFlags()...),
		Before: Before,
	}
}

type dnsServerCommandRunner struct{}

// Execute runs only the resolver. Replicas started this way share the
// database with a server process and rely on the short cache TTL for
// freshness.
func (s *dnsServerCommandRunner) Execute(c *cli.Context) error {
	ctx := signals.SetupSignalHandler(context.Background())

	log := logrus.WithField("command", "dns-server")

	log.Infof("version: %v", version.Get())

	database, err := openDatabase(ctx, c)
	if err != nil {
		return err
	}

	return runResolver(ctx, c, database, log)
}

func runResolver(ctx context.Context, c *cli.Context, database db.Database, log *logrus.Entry) error {
	res := resolver.New(database, resolverConfig(c), log.WithField("component", "resolver"))
	return resolver.NewServer(c.String("dns-listen"), res, log.WithField("component", "dns")).Start(ctx)
}

func dnsServerCommand() *cli.Command {
	cmd := dnsServerCommandRunner{}

	flags := append(databaseFlags(), resolverFlags()...)

	return &cli.Command{
		Name:   "dns-server",
		Usage:  "run only the authoritative DNS resolver",
		Action: cmd.Execute,
		Flags:  append(flags, GlobalFlags()...),
		Before: Before,
	}
}
