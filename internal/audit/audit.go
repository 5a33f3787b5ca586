package audit

import (
	"context"
	"errors"
	"time"
)

// Actions written by the identity service.
const (
	ActionLogin            = "login"
	ActionLogout           = "logout"
	ActionLogoutAll        = "logout_all"
	ActionPermissionDenied = "permission_denied"
)

// ResourceSession is the resource type of session lifecycle entries.
const ResourceSession = "session"

// Entry is one append-only audit record.
type Entry struct {
	ID           int64          `json:"id,omitempty"`
	ActorID      string         `json:"user_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details"`
	ClientIP     string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	OccurredAt   time.Time      `json:"timestamp"`
}

// Filter narrows an audit query. Zero fields do not filter.
type Filter struct {
	ActorID      string
	Action       string
	ResourceType string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Normalize clamps the paging values.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.OccurredAt.Before(f.Until) {
		return false
	}
	return true
}

// Sink persists audit entries.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Reader queries persisted entries, newest first.
type Reader interface {
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// Multi fans an entry out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Append(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
