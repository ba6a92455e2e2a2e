package updater

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/acorn-io/acorn-ddns/pkg/db"
	"github.com/acorn-io/acorn-ddns/pkg/metrics"
	"github.com/acorn-io/acorn-ddns/pkg/model"
	"github.com/acorn-io/acorn-ddns/pkg/signal"
	"github.com/acorn-io/acorn-ddns/pkg/webhook"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultSignalTTL  = time.Minute
	sideEffectTimeout = 10 * time.Second
)

// HostStore is the subset of the host store the ingestion path needs.
type HostStore interface {
	GetHostByToken(ctx context.Context, token string) (db.Host, error)
	GetHostBySubdomain(ctx context.Context, subdomain string) (db.Host, error)
	GetCredentialGroup(ctx context.Context, login string) (db.CredentialGroup, error)
	ApplyUpdate(ctx context.Context, hostID uint, u db.AddressUpdate) (db.UpdateLogEntry, error)
	ListUpdateLog(ctx context.Context, hostID uint, limit int) ([]db.UpdateLogEntry, error)
}

// Dispatcher fans an event out to an owner's webhooks.
type Dispatcher interface {
	Dispatch(ctx context.Context, ownerID, event string, data interface{})
}

// Request is one update call. Token selects token mode; otherwise Username,
// Password and Hostname are used. IPv4 and IPv6 are explicit values as sent
// by the client and may be empty.
type Request struct {
	Token    string
	Username string
	Password string
	Hostname string
	CallerIP string
	IPv4     string
	IPv6     string
}

// IPUpdated is the webhook payload for an accepted update.
type IPUpdated struct {
	Subdomain    string  `json:"subdomain"`
	FQDN         string  `json:"fqdn"`
	IPv4         *string `json:"ipv4"`
	IPv6         *string `json:"ipv6"`
	PreviousIPv4 *string `json:"previousIpv4"`
	PreviousIPv6 *string `json:"previousIpv6"`
}

type Options struct {
	Zone      string
	SignalTTL time.Duration
}

type Service struct {
	store     HostStore
	signals   signal.Store
	hooks     Dispatcher
	zone      string
	signalTTL time.Duration
	log       *logrus.Entry
	now       func() time.Time

	invalidators []func(subdomain string)
	pending      sync.WaitGroup
}

func New(store HostStore, signals signal.Store, hooks Dispatcher, opts Options, log *logrus.Entry) *Service {
	if opts.SignalTTL <= 0 {
		opts.SignalTTL = DefaultSignalTTL
	}
	return &Service{
		store:     store,
		signals:   signals,
		hooks:     hooks,
		zone:      NormalizeZone(opts.Zone),
		signalTTL: opts.SignalTTL,
		log:       log,
		now:       time.Now,
	}
}

// OnChange registers fn to be called synchronously with the subdomain of
// every accepted update. Used for in-process cache invalidation.
func (s *Service) OnChange(fn func(subdomain string)) {
	s.invalidators = append(s.invalidators, fn)
}

// Wait blocks until asynchronous side effects of accepted updates are done.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Update authenticates the request and applies the resulting address state.
// Errors wrapping model.ErrUnauthorized, model.ErrInvalidInput and
// model.ErrNotFound are caller errors; anything else is an upstream failure.
func (s *Service) Update(ctx context.Context, req Request) (model.UpdateResult, error) {
	host, err := s.authenticate(ctx, req)
	if err != nil {
		return model.UpdateResult{}, err
	}

	caller, callerOK := model.ParseCaller(req.CallerIP)
	ipv4, ipv6, err := resolveAddresses(host, req.IPv4, req.IPv6, caller, callerOK)
	if err != nil {
		return model.UpdateResult{}, err
	}

	result := model.UpdateResult{
		Status:    model.StatusNoChange,
		Subdomain: host.Subdomain,
		IPv4:      model.StringValue(ipv4),
		IPv6:      model.StringValue(ipv6),
	}

	if sameAddress(ipv4, host.IPv4) && sameAddress(ipv6, host.IPv6) {
		return result, nil
	}

	if _, err := s.store.ApplyUpdate(ctx, host.ID, db.AddressUpdate{
		IPv4:     ipv4,
		IPv6:     ipv6,
		SeenAt:   s.now().UTC(),
		CallerIP: req.CallerIP,
	}); err != nil {
		return model.UpdateResult{}, fmt.Errorf("applying update for %s: %w", host.Subdomain, err)
	}

	s.log.WithFields(logrus.Fields{
		"subdomain": host.Subdomain,
		"ipv4":      result.IPv4,
		"ipv6":      result.IPv6,
		"caller":    req.CallerIP,
	}).Info("host address updated")

	for _, fn := range s.invalidators {
		fn(host.Subdomain)
	}
	s.notify(host, ipv4, ipv6)

	result.Status = model.StatusAccepted
	return result, nil
}

// Authenticate resolves a token to its active host.
func (s *Service) Authenticate(ctx context.Context, token string) (db.Host, error) {
	return s.authenticate(ctx, Request{Token: token})
}

// History returns the most recent accepted updates of the token's host.
func (s *Service) History(ctx context.Context, token string, limit int) (db.Host, []db.UpdateLogEntry, error) {
	host, err := s.Authenticate(ctx, token)
	if err != nil {
		return db.Host{}, nil, err
	}
	entries, err := s.store.ListUpdateLog(ctx, host.ID, limit)
	if err != nil {
		return db.Host{}, nil, fmt.Errorf("listing update log: %w", err)
	}
	return host, entries, nil
}

// FQDN returns the fully qualified name of subdomain under the served zone,
// without the trailing dot.
func (s *Service) FQDN(subdomain string) string {
	return subdomain + "." + strings.TrimSuffix(s.zone, ".")
}

func (s *Service) authenticate(ctx context.Context, req Request) (db.Host, error) {
	if req.Token != "" {
		return s.authenticateToken(ctx, req.Token)
	}
	return s.authenticateBasic(ctx, req)
}

func (s *Service) authenticateToken(ctx context.Context, token string) (db.Host, error) {
	if token == "" {
		return db.Host{}, model.ErrUnauthorized
	}
	host, err := s.store.GetHostByToken(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return db.Host{}, model.ErrUnauthorized
	}
	if err != nil {
		return db.Host{}, fmt.Errorf("looking up host by token: %w", err)
	}
	if !constantTimeEqual(host.Token, token) || !host.Active {
		return db.Host{}, model.ErrUnauthorized
	}
	return host, nil
}

func (s *Service) authenticateBasic(ctx context.Context, req Request) (db.Host, error) {
	if req.Username == "" || req.Password == "" {
		return db.Host{}, model.ErrUnauthorized
	}
	subdomain, err := SubdomainFromHostname(req.Hostname, s.zone)
	if err != nil {
		return db.Host{}, err
	}

	var groupOwner string
	group, err := s.store.GetCredentialGroup(ctx, req.Username)
	switch {
	case err == nil:
		if group.PasswordHash != "" && bcrypt.CompareHashAndPassword([]byte(group.PasswordHash), []byte(req.Password)) == nil {
			groupOwner = group.OwnerID
		}
	case !errors.Is(err, db.ErrNotFound):
		return db.Host{}, fmt.Errorf("looking up credential group: %w", err)
	}

	host, err := s.store.GetHostBySubdomain(ctx, subdomain)
	if errors.Is(err, db.ErrNotFound) {
		// Only callers holding valid shared credentials learn that a name is unknown.
		if groupOwner != "" {
			return db.Host{}, fmt.Errorf("%w: %s", model.ErrNotFound, subdomain)
		}
		return db.Host{}, model.ErrUnauthorized
	}
	if err != nil {
		return db.Host{}, fmt.Errorf("looking up host %s: %w", subdomain, err)
	}

	authorized := groupOwner != "" && groupOwner == host.OwnerID
	if !authorized {
		authorized = hostCredentialMatches(host, req.Username, req.Password)
	}
	if !authorized || !host.Active {
		return db.Host{}, model.ErrUnauthorized
	}
	return host, nil
}

func hostCredentialMatches(host db.Host, username, password string) bool {
	if host.Username != "" && host.PasswordHash != "" && username == host.Username {
		if bcrypt.CompareHashAndPassword([]byte(host.PasswordHash), []byte(password)) == nil {
			return true
		}
	}
	if username == host.OwnerID || username == host.Subdomain {
		return host.Token != "" && constantTimeEqual(host.Token, password)
	}
	return false
}

// resolveAddresses applies the per-family policy: explicit value, then the
// caller's own address, then the stored value. A stored delegated prefix is
// only replaced by an explicit value.
func resolveAddresses(host db.Host, explicit4, explicit6 string, caller netip.Addr, callerOK bool) (*string, *string, error) {
	ipv4 := host.IPv4
	switch {
	case explicit4 != "":
		a, err := model.ParseIPv4(explicit4)
		if err != nil {
			return nil, nil, err
		}
		ipv4 = model.StringPtr(a.String())
	case callerOK && caller.Is4():
		ipv4 = model.StringPtr(caller.String())
	}

	ipv6 := host.IPv6
	switch {
	case explicit6 != "":
		v, err := model.ParseIPv6Value(explicit6)
		if err != nil {
			return nil, nil, err
		}
		ipv6 = model.StringPtr(v.String())
	case callerOK && caller.Is6() && model.StoredIPv6(host.IPv6).Kind != model.IPv6DelegatedPrefix:
		ipv6 = model.StringPtr(caller.String())
	}

	return ipv4, ipv6, nil
}

func (s *Service) notify(host db.Host, ipv4, ipv6 *string) {
	owner := host.OwnerID
	event := IPUpdated{
		Subdomain:    host.Subdomain,
		FQDN:         s.FQDN(host.Subdomain),
		IPv4:         ipv4,
		IPv6:         ipv6,
		PreviousIPv4: host.IPv4,
		PreviousIPv6: host.IPv6,
	}

	s.async(func(ctx context.Context) {
		if s.signals == nil {
			return
		}
		if err := s.signals.Set(ctx, signal.OwnerKey(owner), s.signalTTL); err != nil {
			metrics.SignalErrors.WithLabelValues("set").Inc()
			s.log.WithError(err).WithField("owner", owner).Warn("setting change signal")
		}
	})
	s.async(func(ctx context.Context) {
		if s.hooks == nil {
			return
		}
		s.hooks.Dispatch(ctx, owner, webhook.EventIPUpdated, event)
	})
}

func (s *Service) async(fn func(ctx context.Context)) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func sameAddress(a, b *string) bool {
	return model.StringValue(a) == model.StringValue(b)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
