package db

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// AddressUpdate is the set of fields written by an accepted update.
type AddressUpdate struct {
	IPv4     *string
	IPv6     *string
	SeenAt   time.Time
	CallerIP string
}

type Database interface {
	GetHostByToken(ctx context.Context, token string) (Host, error)
	GetHostBySubdomain(ctx context.Context, subdomain string) (Host, error)
	GetActiveHostBySubdomain(ctx context.Context, subdomain string) (Host, error)
	GetCredentialGroup(ctx context.Context, login string) (CredentialGroup, error)
	ListHostsByOwner(ctx context.Context, ownerID string) ([]Host, error)
	ListActiveHosts(ctx context.Context) ([]Host, error)
	ApplyUpdate(ctx context.Context, hostID uint, u AddressUpdate) (UpdateLogEntry, error)
	ListUpdateLog(ctx context.Context, hostID uint, limit int) ([]UpdateLogEntry, error)
	ListWebhooks(ctx context.Context, ownerID string) ([]Webhook, error)

	CreateHost(ctx context.Context, host *Host) error
	RotateToken(ctx context.Context, subdomain, token string) error
	SetHostCredential(ctx context.Context, subdomain, username, passwordHash string) error
	DeleteHost(ctx context.Context, subdomain string) (Host, error)
	CreateCredentialGroup(ctx context.Context, group *CredentialGroup) error
	CreateWebhook(ctx context.Context, hook *Webhook) error
}
