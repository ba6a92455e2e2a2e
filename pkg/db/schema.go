package db

import (
	"strings"
	"time"

	"github.com/acorn-io/acorn-ddns/pkg/model"
)

// Host is one dynamically updated name under the served zone.
type Host struct {
	ID           uint    `gorm:"primarykey"`
	Subdomain    string  `gorm:"size:63;uniqueIndex"`
	OwnerID      string  `gorm:"index"`
	Description  string
	IPv4         *string `gorm:"column:ipv4;size:15"`
	IPv6         *string `gorm:"column:ipv6;size:64"`
	Token        string  `gorm:"size:64;uniqueIndex"`
	Username     string  `gorm:"index"`
	PasswordHash string
	TTL          int  `gorm:"column:ttl"`
	Active       bool `gorm:"index"`
	LastSeenAt   *time.Time
	LastSeenIP   string `gorm:"column:last_seen_ip"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// View is the credential-free representation of the host.
func (h Host) View(fqdn string) model.HostView {
	return model.HostView{
		Subdomain:   h.Subdomain,
		FQDN:        fqdn,
		Description: h.Description,
		IPv4:        h.IPv4,
		IPv6:        h.IPv6,
		TTL:         h.TTL,
		Active:      h.Active,
		LastSeenAt:  h.LastSeenAt,
		LastSeenIP:  h.LastSeenIP,
		UpdatedAt:   h.UpdatedAt,
	}
}

// UpdateLogEntry is appended once per accepted address change.
type UpdateLogEntry struct {
	ID        uint    `gorm:"primarykey"`
	HostID    uint    `gorm:"index"`
	Host      Host    `gorm:"constraint:OnDelete:CASCADE;"`
	IPv4      *string `gorm:"column:ipv4;size:15"`
	IPv6      *string `gorm:"column:ipv6;size:64"`
	CallerIP  string
	CreatedAt time.Time `gorm:"index"`
}

// CredentialGroup is a shared Basic-Auth login that may update any host of
// the same owner.
type CredentialGroup struct {
	ID           uint   `gorm:"primarykey"`
	Login        string `gorm:"uniqueIndex"`
	OwnerID      string `gorm:"index"`
	PasswordHash string
	CreatedAt    time.Time
}

// Webhook is an owner's callback endpoint. Events is a comma separated list.
type Webhook struct {
	ID        uint   `gorm:"primarykey"`
	OwnerID   string `gorm:"index"`
	URL       string
	Secret    string
	Events    string `gorm:"type:text"`
	Active    bool
	CreatedAt time.Time
}

// EventList splits the stored event set.
func (w Webhook) EventList() []string {
	var out []string
	for _, e := range strings.Split(w.Events, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// DenormalizeEvents is the inverse of EventList.
func DenormalizeEvents(events []string) string {
	return strings.Join(events, ",")
}
