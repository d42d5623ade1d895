package task

import (
	"strings"
	"time"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder 决定列表按 UpdatedAt 的排序方向。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

// ListOptions 描述任务列表与统计的过滤条件。时间字段为 Unix 秒，0 表示不限。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Chain      string
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Submitted  *bool
	Order      SortOrder
	Query      string
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只保留给定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = append([]Status(nil), statuses...) }
}

// WithChain 只保留指定链名的任务，大小写不敏感。
func WithChain(chain string) ListOption {
	return func(o *ListOptions) { o.Chain = chain }
}

func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedGTE = unixOrZero(ts) }
}

func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已有证明结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &hasResult }
}

// WithSubmitted 按是否已有链上交易哈希过滤。
func WithSubmitted(submitted bool) ListOption {
	return func(o *ListOptions) { o.Submitted = &submitted }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

// WithQuery 在任务 ID、链名、错误信息、动作、根哈希和交易哈希中做子串匹配。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func buildListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.applyDefaults()
	return o
}

func (o *ListOptions) applyDefaults() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Statuses = dedupeStatuses(o.Statuses)
	o.Chain = strings.ToLower(strings.TrimSpace(o.Chain))
	o.Query = strings.TrimSpace(o.Query)
}

func dedupeStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if !IsValidStatus(status) || containsStatus(out, status) {
			continue
		}
		out = append(out, status)
	}
	return out
}

func containsStatus(list []Status, status Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

// match 在内存中判断任务是否满足全部过滤条件。
func (o ListOptions) match(job *Job) bool {
	switch {
	case len(o.Statuses) > 0 && !containsStatus(o.Statuses, job.Status):
		return false
	case o.Chain != "" && strings.ToLower(job.Chain) != o.Chain:
		return false
	case o.UpdatedGTE > 0 && job.UpdatedAt < o.UpdatedGTE:
		return false
	case o.UpdatedLTE > 0 && job.UpdatedAt > o.UpdatedLTE:
		return false
	case o.HasResult != nil && (job.Result != nil) != *o.HasResult:
		return false
	case o.Submitted != nil && jobSubmitted(job) != *o.Submitted:
		return false
	case o.Query != "" && !jobMatchesQuery(job, o.Query):
		return false
	}
	return true
}

func jobSubmitted(job *Job) bool {
	return job != nil && job.Result != nil && job.Result.TxHash != ""
}

func jobMatchesQuery(job *Job, query string) bool {
	query = strings.ToLower(query)
	fields := []string{job.ID, job.LastError, job.Chain}
	if job.Result != nil {
		fields = append(fields, job.Result.Action, job.Result.MerkleRoot, job.Result.TxHash)
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}
