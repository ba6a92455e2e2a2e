package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/acorn-io/acorn-ddns/pkg/db"
	"github.com/acorn-io/acorn-ddns/pkg/model"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
	"github.com/sirupsen/logrus"
)

const (
	RecordTypeA    = "A"
	RecordTypeAAAA = "AAAA"

	defaultRecordTTL   = 60
	maxChangesPerBatch = 100
)

// HostSource is what the publisher reads from the host store.
type HostSource interface {
	GetHostBySubdomain(ctx context.Context, subdomain string) (db.Host, error)
	ListActiveHosts(ctx context.Context) ([]db.Host, error)
}

// Publisher mirrors host addresses into a Route53 hosted zone so the names
// also resolve through a third-party authoritative provider. Mirroring is
// best effort and never sits on the update path.
type Publisher struct {
	zone   string
	zoneID string
	svc    route53iface.Route53API
	hosts  HostSource
	log    *logrus.Entry
}

// New looks up the hosted zone and returns a publisher for it. AWS
// credentials come from the default provider chain.
func New(ctx context.Context, zoneID string, hosts HostSource, log *logrus.Entry) (*Publisher, error) {
	s, err := session.NewSession()
	if err != nil {
		return nil, err
	}

	svc := route53.New(s, &aws.Config{
		MaxRetries: aws.Int(3),
	})

	z, err := svc.GetHostedZoneWithContext(ctx, &route53.GetHostedZoneInput{
		Id: aws.String(zoneID),
	})
	if err != nil {
		return nil, fmt.Errorf("looking up hosted zone %s: %w", zoneID, err)
	}

	return NewWithClient(svc, aws.StringValue(z.HostedZone.Id), aws.StringValue(z.HostedZone.Name), hosts, log), nil
}

func NewWithClient(svc route53iface.Route53API, zoneID, zone string, hosts HostSource, log *logrus.Entry) *Publisher {
	return &Publisher{
		zone:   strings.ToLower(strings.TrimSuffix(zone, ".")),
		zoneID: zoneID,
		svc:    svc,
		hosts:  hosts,
		log:    log,
	}
}

// FQDN is the record name of subdomain inside the hosted zone, with the
// trailing dot Route53 expects.
func (p *Publisher) FQDN(subdomain string) string {
	return strings.ToLower(subdomain) + "." + p.zone + "."
}

// Sync publishes the current state of one host. Inactive and deleted hosts
// are retracted.
func (p *Publisher) Sync(ctx context.Context, subdomain string) error {
	host, err := p.hosts.GetHostBySubdomain(ctx, subdomain)
	if errors.Is(err, db.ErrNotFound) {
		return p.Retract(ctx, subdomain)
	}
	if err != nil {
		return err
	}
	if !host.Active {
		return p.Retract(ctx, subdomain)
	}
	return p.Publish(ctx, host)
}

// Publish upserts the host's A and AAAA records. A family with no address
// is deleted if present. A delegated IPv6 prefix has no AAAA record.
func (p *Publisher) Publish(ctx context.Context, host db.Host) error {
	fqdn := p.FQDN(host.Subdomain)
	ttl := int64(host.TTL)
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}

	want := map[string]string{}
	if v := model.StringValue(host.IPv4); v != "" {
		want[RecordTypeA] = v
	}
	if v := model.StoredIPv6(host.IPv6); v.Kind == model.IPv6Address {
		want[RecordTypeAAAA] = v.Addr.String()
	}

	existing, err := p.recordSets(ctx, fqdn)
	if err != nil {
		return err
	}

	var changes []*route53.Change
	for _, rType := range []string{RecordTypeA, RecordTypeAAAA} {
		value, ok := want[rType]
		if ok {
			changes = append(changes, &route53.Change{
				Action: aws.String(route53.ChangeActionUpsert),
				ResourceRecordSet: &route53.ResourceRecordSet{
					Name:            aws.String(fqdn),
					Type:            aws.String(rType),
					TTL:             aws.Int64(ttl),
					ResourceRecords: []*route53.ResourceRecord{{Value: aws.String(value)}},
				},
			})
		} else if rrs, ok := existing[rType]; ok {
			changes = append(changes, deleteChange(rrs))
		}
	}

	if err := p.apply(ctx, changes); err != nil {
		return fmt.Errorf("failed to publish route53 records for %v: %w", fqdn, err)
	}
	p.log.WithField("fqdn", fqdn).Debugf("published %d record changes", len(changes))
	return nil
}

// Retract deletes every A and AAAA record published for subdomain.
func (p *Publisher) Retract(ctx context.Context, subdomain string) error {
	fqdn := p.FQDN(subdomain)
	existing, err := p.recordSets(ctx, fqdn)
	if err != nil {
		return err
	}

	changes := make([]*route53.Change, 0, len(existing))
	for _, rrs := range existing {
		changes = append(changes, deleteChange(rrs))
	}
	if err := p.apply(ctx, changes); err != nil {
		return fmt.Errorf("failed to delete route53 records for %v: %w", fqdn, err)
	}
	return nil
}

// recordSets returns the A and AAAA sets currently published at fqdn.
func (p *Publisher) recordSets(ctx context.Context, fqdn string) (map[string]*route53.ResourceRecordSet, error) {
	out, err := p.svc.ListResourceRecordSetsWithContext(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(p.zoneID),
		StartRecordName: aws.String(fqdn),
		MaxItems:        aws.String("10"),
	})
	if err != nil {
		return nil, fmt.Errorf("listing route53 records for %v: %w", fqdn, err)
	}

	sets := make(map[string]*route53.ResourceRecordSet)
	for _, rrs := range out.ResourceRecordSets {
		if !strings.EqualFold(aws.StringValue(rrs.Name), fqdn) {
			continue
		}
		if t := aws.StringValue(rrs.Type); t == RecordTypeA || t == RecordTypeAAAA {
			sets[t] = rrs
		}
	}
	return sets, nil
}

func (p *Publisher) apply(ctx context.Context, changes []*route53.Change) error {
	for len(changes) > 0 {
		n := len(changes)
		if n > maxChangesPerBatch {
			n = maxChangesPerBatch
		}
		_, err := p.svc.ChangeResourceRecordSetsWithContext(ctx, &route53.ChangeResourceRecordSetsInput{
			HostedZoneId: aws.String(p.zoneID),
			ChangeBatch: &route53.ChangeBatch{
				Changes: changes[:n],
			},
		})
		if err != nil {
			return err
		}
		changes = changes[n:]
	}
	return nil
}

func deleteChange(rrs *route53.ResourceRecordSet) *route53.Change {
	return &route53.Change{
		Action:            aws.String(route53.ChangeActionDelete),
		ResourceRecordSet: rrs,
	}
}
