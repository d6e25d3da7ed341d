package anchor

import (
	"slices"
	"strings"
	"time"
)

// SortOrder selects the UpdatedAt ordering of List results.
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// ListOptions is the normalized filter shared by every Store.
// UpdatedGTE and UpdatedLTE are unix seconds; zero disables the bound.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	ProjectID  string
	Step       string
	UpdatedGTE int64
	UpdatedLTE int64
	Order      SortOrder
	Query      string
}

func (o *ListOptions) applyDefaults() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	o.Offset = max(o.Offset, 0)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Statuses = normalizeStatuses(o.Statuses)
	o.ProjectID = strings.TrimSpace(o.ProjectID)
	o.Step = strings.ToLower(strings.TrimSpace(o.Step))
	o.Query = strings.TrimSpace(o.Query)
}

// ListOption sets one field of ListOptions.
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption   { return func(o *ListOptions) { o.Limit = limit } }
func WithOffset(offset int) ListOption { return func(o *ListOptions) { o.Offset = offset } }

// WithStatuses keeps jobs in any of the given states.
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

func WithProject(projectID string) ListOption { return func(o *ListOptions) { o.ProjectID = projectID } }
func WithStep(step string) ListOption         { return func(o *ListOptions) { o.Step = step } }

// WithUpdatedSince keeps jobs updated at or after ts. A zero ts clears the bound.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil keeps jobs updated at or before ts. A zero ts clears the bound.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedLTE = unixOrZero(ts) }
}

func WithSortOrder(order SortOrder) ListOption { return func(o *ListOptions) { o.Order = order } }

// WithQuery matches a substring of the job id, digest, last error or tx hash.
func WithQuery(query string) ListOption { return func(o *ListOptions) { o.Query = query } }

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func buildListOptions(opts []ListOption) ListOptions {
	var out ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	out.applyDefaults()
	return out
}

// normalizeStatuses lower-cases, drops unknown values and duplicates, and
// keeps first-seen order. An empty result means "any status".
func normalizeStatuses(in []Status) []Status {
	var out []Status
	for _, s := range in {
		s = Status(strings.ToLower(strings.TrimSpace(string(s))))
		if IsValidStatus(s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// ParseStatuses 把逗号分隔的状态列表转为 Status，未知值被忽略。
func ParseStatuses(raw string) []Status {
	var out []Status
	for _, part := range strings.Split(raw, ",") {
		out = append(out, Status(part))
	}
	return normalizeStatuses(out)
}
