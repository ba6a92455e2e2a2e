package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/acorn-io/acorn-ddns/pkg/db"
	"github.com/acorn-io/acorn-ddns/pkg/metrics"
	"github.com/acorn-io/acorn-ddns/pkg/model"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

const (
	apexLabel = "@"

	DefaultQueryTimeout = 2 * time.Second
	soaTTL              = 300
	negativeTTL         = 60
)

// HostLookup finds an active host by its subdomain label.
type HostLookup interface {
	GetActiveHostBySubdomain(ctx context.Context, subdomain string) (db.Host, error)
}

type Config struct {
	Zone          string
	SOANameserver string
	SOAMailbox    string
	QueryTimeout  time.Duration
	CacheTTL      time.Duration

	// CacheMaxEntries bounds the cache, DefaultCacheMaxEntries when zero.
	CacheMaxEntries int
}

// Resolver answers A and AAAA queries for hosts directly under one zone.
// Every other name is ignored and every other type is answered negatively.
type Resolver struct {
	zone    string
	store   HostLookup
	cache   *hostCache
	timeout time.Duration
	soaNS   string
	soaMbox string
	log     *logrus.Entry
}

func New(store HostLookup, cfg Config, log *logrus.Entry) *Resolver {
	zone := dns.Fqdn(strings.ToLower(strings.TrimSpace(cfg.Zone)))
	r := &Resolver{
		zone:    zone,
		store:   store,
		timeout: cfg.QueryTimeout,
		soaNS:   cfg.SOANameserver,
		soaMbox: cfg.SOAMailbox,
		log:     log,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultQueryTimeout
	}
	if r.soaNS == "" {
		r.soaNS = "ns1." + zone
	}
	if r.soaMbox == "" {
		r.soaMbox = "hostmaster." + zone
	}
	r.soaNS = dns.Fqdn(r.soaNS)
	r.soaMbox = dns.Fqdn(r.soaMbox)
	if cfg.CacheTTL > 0 {
		r.cache = newHostCache(cfg.CacheTTL, cfg.CacheMaxEntries)
	}
	return r
}

// Invalidate drops any cached answer for subdomain.
func (r *Resolver) Invalidate(subdomain string) {
	if r.cache != nil {
		r.cache.invalidate(strings.ToLower(subdomain))
	}
}

// ServeDNS implements dns.Handler.
func (r *Resolver) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	resp := r.resolve(ctx, req)
	if resp == nil {
		metrics.DNSDropped.WithLabelValues("out_of_zone").Inc()
		return
	}

	network := "udp"
	if _, ok := w.RemoteAddr().(*net.TCPAddr); ok {
		network = "tcp"
	}
	if network == "udp" {
		resp.Truncate(udpSize(req))
	}

	if err := w.WriteMsg(resp); err != nil {
		r.log.WithError(err).Debug("writing dns response")
		return
	}
	metrics.DNSResponses.WithLabelValues(network, dns.RcodeToString[resp.Rcode]).Inc()
}

// resolve builds the response for req, or returns nil when the packet must be
// dropped without a reply.
func (r *Resolver) resolve(ctx context.Context, req *dns.Msg) *dns.Msg {
	if len(req.Question) == 0 {
		return nil
	}

	labels := make([]string, len(req.Question))
	for i, q := range req.Question {
		label, ok := r.subdomain(q.Name)
		if !ok || q.Qclass != dns.ClassINET {
			return nil
		}
		labels[i] = label
	}

	resp := r.reply(req)
	for i, q := range req.Question {
		rr, err := r.answer(ctx, labels[i], q)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"name": q.Name,
				"type": dns.TypeToString[q.Qtype],
			}).Error("resolving dns question")
			fail := r.reply(req)
			fail.Rcode = dns.RcodeServerFailure
			return fail
		}
		if rr != nil {
			resp.Answer = append(resp.Answer, rr)
		}
	}

	if len(resp.Answer) == 0 {
		resp.Rcode = dns.RcodeNameError
		resp.Ns = []dns.RR{r.soa()}
	}
	return resp
}

func (r *Resolver) reply(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Question = req.Question
	resp.Authoritative = true
	resp.RecursionAvailable = false
	if opt := req.IsEdns0(); opt != nil {
		resp.SetEdns0(opt.UDPSize(), false)
	}
	return resp
}

// subdomain maps a query name to a host label. Only the zone apex and names
// exactly one label below it are in zone.
func (r *Resolver) subdomain(name string) (string, bool) {
	n := strings.ToLower(dns.Fqdn(name))
	if n == r.zone {
		return apexLabel, true
	}
	label := strings.TrimSuffix(n, "."+r.zone)
	if label == n || label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

func (r *Resolver) answer(ctx context.Context, label string, q dns.Question) (dns.RR, error) {
	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		return nil, nil
	}

	entry, err := r.lookup(ctx, label)
	if err != nil {
		return nil, err
	}
	if !entry.found {
		return nil, nil
	}

	hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: entry.ttl}
	switch q.Qtype {
	case dns.TypeA:
		if entry.ipv4.IsValid() {
			return &dns.A{Hdr: hdr, A: net.IP(entry.ipv4.AsSlice())}, nil
		}
	case dns.TypeAAAA:
		if entry.ipv6.IsValid() {
			return &dns.AAAA{Hdr: hdr, AAAA: net.IP(entry.ipv6.AsSlice())}, nil
		}
	}
	return nil, nil
}

func (r *Resolver) lookup(ctx context.Context, label string) (cacheEntry, error) {
	var epoch uint64
	if r.cache != nil {
		if e, ok := r.cache.get(label); ok {
			metrics.DNSCacheLookups.WithLabelValues("hit").Inc()
			return e, nil
		}
		metrics.DNSCacheLookups.WithLabelValues("miss").Inc()
		epoch = r.cache.begin()
	}

	var entry cacheEntry
	host, err := r.store.GetActiveHostBySubdomain(ctx, label)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return cacheEntry{}, err
	default:
		entry = entryFromHost(host)
	}

	if r.cache != nil && !r.cache.set(label, entry, epoch) {
		metrics.DNSCacheLookups.WithLabelValues("skipped").Inc()
	}
	return entry, nil
}

// entryFromHost keeps only what can be served. A delegated prefix has no
// single address to answer AAAA with.
func entryFromHost(h db.Host) cacheEntry {
	e := cacheEntry{found: true}
	if h.TTL > 0 {
		e.ttl = uint32(h.TTL)
	}
	if h.IPv4 != nil {
		if a, err := netip.ParseAddr(*h.IPv4); err == nil && a.Is4() {
			e.ipv4 = a
		}
	}
	if v := model.StoredIPv6(h.IPv6); v.Kind == model.IPv6Address {
		e.ipv6 = v.Addr
	}
	return e
}

func (r *Resolver) soa() dns.RR {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   r.zone,
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    soaTTL,
		},
		Ns:      r.soaNS,
		Mbox:    r.soaMbox,
		Serial:  uint32(time.Now().Unix()),
		Refresh: 7200,
		Retry:   1800,
		Expire:  86400,
		Minttl:  negativeTTL,
	}
}

func udpSize(req *dns.Msg) int {
	if opt := req.IsEdns0(); opt != nil && int(opt.UDPSize()) > dns.MinMsgSize {
		return int(opt.UDPSize())
	}
	return dns.MinMsgSize
}
