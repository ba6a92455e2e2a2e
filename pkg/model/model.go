package model

import (
	"time"
)

// UpdateResponse is the JSON body returned by the native update endpoint.
// A nil field renders as JSON null.
type UpdateResponse struct {
	IPv4 *string `json:"ipv4"`
	IPv6 *string `json:"ipv6"`
}

// HostView is the dashboard and status representation of a host. It never
// carries credentials.
type HostView struct {
	Subdomain   string     `json:"subdomain"`
	FQDN        string     `json:"fqdn,omitempty"`
	Description string     `json:"description,omitempty"`
	IPv4        *string    `json:"ipv4"`
	IPv6        *string    `json:"ipv6"`
	TTL         int        `json:"ttl"`
	Active      bool       `json:"active"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
	LastSeenIP  string     `json:"lastSeenIp,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// HistoryEntry is one row of a host's update log.
type HistoryEntry struct {
	IPv4      *string   `json:"ipv4"`
	IPv6      *string   `json:"ipv6"`
	CallerIP  string    `json:"callerIp"`
	CreatedAt time.Time `json:"createdAt"`
}

type HistoryResponse struct {
	Subdomain string         `json:"subdomain"`
	Entries   []HistoryEntry `json:"entries"`
}

type ErrorResponse struct {
	Status  int         `json:"status,omitempty"`
	Message string      `json:"msg,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// HostCredentials is printed by the admin commands when a host is created or
// its token is rotated.
type HostCredentials struct {
	Subdomain string `json:"subdomain"`
	FQDN      string `json:"fqdn,omitempty"`
	Token     string `json:"token"`
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringValue dereferences p, returning "" for nil.
func StringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
