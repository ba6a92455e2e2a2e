package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const maxHistoryLimit = 500

type database struct {
	db *gorm.DB
}

// New creates a new database connection and migrates the schema.
func New(ctx context.Context, dialect string, dsn string, config *gorm.Config) (Database, error) {
	if config == nil {
		config = &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		}
	}

	var db *gorm.DB
	var err error

	switch dialect {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(dsn), config)
	case "mysql":
		db, err = gorm.Open(mysql.Open(dsn), config)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	if err != nil {
		return nil, err
	}

	if dialect == "sqlite" {
		db.Exec("PRAGMA foreign_keys = ON")
	}

	if err := db.WithContext(ctx).AutoMigrate(
		&Host{},
		&UpdateLogEntry{},
		&CredentialGroup{},
		&Webhook{},
	); err != nil {
		return nil, err
	}

	logrus.Debugf("database migrated, dialect: %s", dialect)

	return &database{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (d *database) GetHostByToken(ctx context.Context, token string) (Host, error) {
	var host Host
	if token == "" {
		return host, ErrNotFound
	}
	err := d.db.WithContext(ctx).Where("token = ?", token).Take(&host).Error
	return host, notFound(err)
}

func (d *database) GetHostBySubdomain(ctx context.Context, subdomain string) (Host, error) {
	var host Host
	err := d.db.WithContext(ctx).Where("subdomain = ?", strings.ToLower(subdomain)).Take(&host).Error
	return host, notFound(err)
}

func (d *database) GetActiveHostBySubdomain(ctx context.Context, subdomain string) (Host, error) {
	var host Host
	err := d.db.WithContext(ctx).
		Where("subdomain = ? AND active = ?", strings.ToLower(subdomain), true).
		Take(&host).Error
	return host, notFound(err)
}

func (d *database) GetCredentialGroup(ctx context.Context, login string) (CredentialGroup, error) {
	var group CredentialGroup
	err := d.db.WithContext(ctx).Where("login = ?", login).Take(&group).Error
	return group, notFound(err)
}

func (d *database) ListHostsByOwner(ctx context.Context, ownerID string) ([]Host, error) {
	var hosts []Host
	err := d.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").Order("id DESC").
		Find(&hosts).Error
	return hosts, err
}

func (d *database) ListActiveHosts(ctx context.Context) ([]Host, error) {
	var hosts []Host
	err := d.db.WithContext(ctx).Where("active = ?", true).Find(&hosts).Error
	return hosts, err
}

// ApplyUpdate writes the new addresses and observability fields and appends
// the audit entry in one transaction.
func (d *database) ApplyUpdate(ctx context.Context, hostID uint, u AddressUpdate) (UpdateLogEntry, error) {
	entry := UpdateLogEntry{
		HostID:    hostID,
		IPv4:      u.IPv4,
		IPv6:      u.IPv6,
		CallerIP:  u.CallerIP,
		CreatedAt: u.SeenAt,
	}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Host{}).Where("id = ?", hostID).Updates(map[string]interface{}{
			"ipv4":         u.IPv4,
			"ipv6":         u.IPv6,
			"last_seen_at": u.SeenAt,
			"last_seen_ip": u.CallerIP,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		return tx.Omit(clause.Associations).Create(&entry).Error
	})

	return entry, err
}

func (d *database) ListUpdateLog(ctx context.Context, hostID uint, limit int) ([]UpdateLogEntry, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var entries []UpdateLogEntry
	err := d.db.WithContext(ctx).
		Where("host_id = ?", hostID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (d *database) ListWebhooks(ctx context.Context, ownerID string) ([]Webhook, error) {
	var hooks []Webhook
	err := d.db.WithContext(ctx).Where("owner_id = ? AND active = ?", ownerID, true).Find(&hooks).Error
	return hooks, err
}

func (d *database) CreateHost(ctx context.Context, host *Host) error {
	host.Subdomain = strings.ToLower(host.Subdomain)
	return d.db.WithContext(ctx).Create(host).Error
}

func (d *database) RotateToken(ctx context.Context, subdomain, token string) error {
	res := d.db.WithContext(ctx).Model(&Host{}).
		Where("subdomain = ?", strings.ToLower(subdomain)).
		Update("token", token)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *database) SetHostCredential(ctx context.Context, subdomain, username, passwordHash string) error {
	res := d.db.WithContext(ctx).Model(&Host{}).
		Where("subdomain = ?", strings.ToLower(subdomain)).
		Updates(map[string]interface{}{
			"username":      username,
			"password_hash": passwordHash,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteHost removes the host and its update log, returning the deleted row
// so callers can retract anything published for it.
func (d *database) DeleteHost(ctx context.Context, subdomain string) (Host, error) {
	var host Host
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subdomain = ?", strings.ToLower(subdomain)).Take(&host).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Where("host_id = ?", host.ID).Delete(&UpdateLogEntry{}).Error; err != nil {
			return err
		}
		return tx.Delete(&host).Error
	})
	return host, err
}

func (d *database) CreateCredentialGroup(ctx context.Context, group *CredentialGroup) error {
	return d.db.WithContext(ctx).Create(group).Error
}

func (d *database) CreateWebhook(ctx context.Context, hook *Webhook) error {
	return d.db.WithContext(ctx).Create(hook).Error
}
