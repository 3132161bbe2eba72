// Package audit reads the audit trail back for reviewers.
package audit

import (
	"errors"
	"time"
)

// TimelineFilters narrows the audit timeline.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	ActorID  int64
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// TimelineRow is one audit entry.
type TimelineRow struct {
	At       time.Time      `json:"at"`
	ActorID  int64          `json:"actor_id,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// PagingInfo describes the page around a result.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps a timeline page.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// ErrFileNotConfigured indicates no audit log file is set.
var ErrFileNotConfigured = errors.New("audit: log file not configured")

func (f TimelineFilters) window() (page, pageSize int) {
	pageSize = f.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page = f.Page
	if page <= 0 {
		page = 1
	}
	return page, pageSize
}

func (f TimelineFilters) match(row TimelineRow) bool {
	if !f.From.IsZero() && row.At.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !row.At.Before(f.To) {
		return false
	}
	if f.ActorID > 0 && row.ActorID != f.ActorID {
		return false
	}
	if f.Entity != "" && row.Entity != f.Entity {
		return false
	}
	if f.Action != "" && row.Action != f.Action {
		return false
	}
	return true
}

func paging(page, pageSize int, hasNext bool) PagingInfo {
	p := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		p.PrevPage = page - 1
	}
	if hasNext {
		p.NextPage = page + 1
	}
	return p
}
