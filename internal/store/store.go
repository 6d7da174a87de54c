// Package store defines the persistence contracts for event configurations
// and the delivery log.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap update lost the race.
	ErrConflict = errors.New("conflicting update")
)

// PersistenceError wraps a failed store operation whose outcome is unknown.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Wrap turns a driver error into a PersistenceError. ErrNotFound and
// ErrConflict pass through unchanged.
func Wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	var perr *PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// ConfigStore holds event configurations. event_name is unique.
type ConfigStore interface {
	ActiveForEvent(ctx context.Context, eventName string) ([]delivery.Configuration, error)
	Get(ctx context.Context, id string) (delivery.Configuration, error)
	GetByEvent(ctx context.Context, eventName string) (delivery.Configuration, error)
	List(ctx context.Context) ([]delivery.Configuration, error)
	// Upsert inserts or replaces the configuration for cfg.EventName,
	// keeping the id and created_at of an existing row.
	Upsert(ctx context.Context, cfg delivery.Configuration) (delivery.Configuration, error)
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
}

// Expect is the prior state an update requires. Zero fields are not checked.
type Expect struct {
	Status     delivery.Status
	Attempt    int
	ClaimToken string
}

// Patch lists the fields an update writes. Nil fields are left alone.
type Patch struct {
	Status       *delivery.Status
	AttemptCount *int
	ResponseCode *int
	ResponseBody *string
	ErrorMessage *string
	RequestData  *string
	ClaimToken   *string
	ClaimedAt    *time.Time
	// ClearClaim drops the claim token and claimed_at.
	ClearClaim bool
	// UpdatedAt stamps the change with the caller's clock. Stores use their
	// own clock when it is nil.
	UpdatedAt *time.Time
}

// LogStore holds delivery log entries.
type LogStore interface {
	// Insert stores e, assigning an id and timestamps when missing.
	Insert(ctx context.Context, e delivery.Entry) (delivery.Entry, error)
	Get(ctx context.Context, id string) (delivery.Entry, error)
	// Update applies patch only if the entry still matches expect, returning
	// ErrConflict otherwise.
	Update(ctx context.Context, id string, expect Expect, patch Patch) (delivery.Entry, error)
	// List returns a page of entries, newest first, and the total count.
	List(ctx context.Context, f delivery.Filter) ([]delivery.Entry, int64, error)
	// ListByStatus returns up to limit entries in status, least recently
	// updated first.
	ListByStatus(ctx context.Context, status delivery.Status, limit int) ([]delivery.Entry, error)
	// ListStaleClaims returns in-flight entries claimed before the cutoff.
	ListStaleClaims(ctx context.Context, before time.Time, limit int) ([]delivery.Entry, error)
	Stats(ctx context.Context, since time.Time) (delivery.Stats, error)
	// DeleteBefore removes entries created before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Ptr returns a pointer to v for building patches.
func Ptr[T any](v T) *T { return &v }

// Matches reports whether e satisfies expect.
func (x Expect) Matches(e delivery.Entry) bool {
	if x.Status != "" && e.Status != x.Status {
		return false
	}
	if x.Attempt != 0 && e.AttemptCount != x.Attempt {
		return false
	}
	if x.ClaimToken != "" && e.ClaimToken != x.ClaimToken {
		return false
	}
	return true
}

// Apply writes the patch onto e.
func (p Patch) Apply(e *delivery.Entry) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.AttemptCount != nil {
		e.AttemptCount = *p.AttemptCount
	}
	if p.ResponseCode != nil {
		e.ResponseCode = *p.ResponseCode
	}
	if p.ResponseBody != nil {
		e.ResponseBody = *p.ResponseBody
	}
	if p.ErrorMessage != nil {
		e.ErrorMessage = *p.ErrorMessage
	}
	if p.RequestData != nil {
		e.RequestData = *p.RequestData
	}
	if p.ClaimToken != nil {
		e.ClaimToken = *p.ClaimToken
	}
	if p.ClaimedAt != nil {
		t := *p.ClaimedAt
		e.ClaimedAt = &t
	}
	if p.ClearClaim {
		e.ClaimToken = ""
		e.ClaimedAt = nil
	}
	if p.UpdatedAt != nil {
		e.UpdatedAt = *p.UpdatedAt
	}
}
