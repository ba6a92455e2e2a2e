package model

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized covers unknown credentials and inactive hosts alike.
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("host not found")

	// ErrInvalidHostname is the ErrInvalidInput raised for a missing or
	// out-of-zone target hostname.
	ErrInvalidHostname = fmt.Errorf("%w: hostname", ErrInvalidInput)
)

// UpdateStatus is the outcome of an accepted update request.
type UpdateStatus int

const (
	StatusAccepted UpdateStatus = iota + 1
	StatusNoChange
)

func (s UpdateStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusNoChange:
		return "nochange"
	}
	return "unknown"
}

// UpdateResult carries the host's addresses after an update request was
// authenticated and evaluated.
type UpdateResult struct {
	Status    UpdateStatus
	Subdomain string
	IPv4      string
	IPv6      string
}

// Primary is the address echoed by the legacy text protocol.
func (r UpdateResult) Primary() string {
	if r.IPv4 != "" {
		return r.IPv4
	}
	return r.IPv6
}
