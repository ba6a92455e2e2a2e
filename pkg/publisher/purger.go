package publisher

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/route53"
	"golang.org/x/exp/maps"
	"k8s.io/apimachinery/pkg/util/wait"
)

type recordKey struct {
	FQDN string
	Type string
}

// StartPurgerDaemon periodically deletes published records that no longer
// belong to an active host. It blocks until ctx is done.
func (p *Publisher) StartPurgerDaemon(ctx context.Context, interval time.Duration) {
	p.log.Infof("starting purge daemon. Purge interval: %v", interval)
	wait.JitterUntil(func() {
		if _, err := p.Purge(ctx); err != nil && ctx.Err() == nil {
			p.log.Errorf("purging route53 records: %v", err)
		}
	}, interval, .002, true, ctx.Done())
}

// Purge deletes A and AAAA records directly under the zone that do not match
// an active host, and returns how many record sets were removed. The apex
// and deeper names are never touched.
func (p *Publisher) Purge(ctx context.Context) (int, error) {
	p.log.Debug("beginning purge")

	active, err := p.hosts.ListActiveHosts(ctx)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(active))
	for _, h := range active {
		keep[p.FQDN(h.Subdomain)] = true
	}

	recordsToDelete := make(map[recordKey]*route53.ResourceRecordSet)
	input := &route53.ListResourceRecordSetsInput{
		HostedZoneId: aws.String(p.zoneID),
	}
	err = p.svc.ListResourceRecordSetsPagesWithContext(ctx, input,
		func(page *route53.ListResourceRecordSetsOutput, lastPage bool) bool {
			currentPage := make(map[recordKey]*route53.ResourceRecordSet)
			for _, recordSet := range page.ResourceRecordSets {
				rType := aws.StringValue(recordSet.Type)
				if rType != RecordTypeA && rType != RecordTypeAAAA {
					continue
				}
				name := strings.ToLower(strings.Replace(aws.StringValue(recordSet.Name), "\\052", "*", 1))
				if !p.ownsName(name) || keep[name] {
					continue
				}
				currentPage[recordKey{FQDN: name, Type: rType}] = recordSet
			}
			maps.Copy(recordsToDelete, currentPage)
			return true
		})
	if err != nil {
		return 0, err
	}

	if len(recordsToDelete) == 0 {
		p.log.Debug("records purged from route53: 0")
		return 0, nil
	}

	changes := make([]*route53.Change, 0, len(recordsToDelete))
	for _, rrs := range maps.Values(recordsToDelete) {
		changes = append(changes, deleteChange(rrs))
	}
	if err := p.apply(ctx, changes); err != nil {
		return 0, err
	}

	p.log.Infof("records purged from route53: %v", len(recordsToDelete))
	return len(recordsToDelete), nil
}

// ownsName reports whether name is exactly one label under the zone.
func (p *Publisher) ownsName(name string) bool {
	label := strings.TrimSuffix(name, "."+p.zone+".")
	return label != name && label != "" && !strings.Contains(label, ".") && label != "*"
}
