package storage

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Collection names owned by the control plane. Per-category staging and
// production collections are configured separately by the promotion layer.
const (
	CollSources           = "sources"
	CollCrawlers          = "crawlers"
	CollCrawlerHistory    = "crawler_history"
	CollCrawlResults      = "crawl_results"
	CollErrorLogs         = "error_logs"
	CollSchemaRegistry    = "schema_registry"
	CollDataCatalog       = "data_catalog"
	CollDataColumns       = "data_columns"
	CollDataTags          = "data_tags"
	CollDataLineage       = "data_lineage"
	CollColumnLineage     = "column_lineage"
	CollDataReviews       = "data_reviews"
	CollReviewerBookmarks = "reviewer_bookmarks"
	CollBulkJobs          = "bulk_jobs"
	CollAuditLog          = "audit_log"
	CollPipelineMetrics   = "pipeline_metrics"
	CollAlertRules        = "alert_rules"
	CollAlertHistory      = "alert_history"
	CollSLADefinitions    = "sla_definitions"
	CollSLABreaches       = "sla_breaches"
	CollSLAEvaluations    = "sla_evaluations"
	CollFreshnessConfig   = "freshness_config"
	CollFreshnessHistory  = "freshness_history"
)

type (
	// SourceType is the kind of material a source yields.
	SourceType string

	// SourceStatus is the lifecycle state of a crawling target.
	SourceStatus string

	// CrawlerStatus is the lifecycle state of an extractor version.
	CrawlerStatus string

	// CrawlStatus is the outcome of one pipeline run.
	CrawlStatus string

	// ResolutionMethod records how an error log entry was resolved.
	ResolutionMethod string
)

// Source types.
const (
	SourceTypeHTML  SourceType = "html"
	SourceTypePDF   SourceType = "pdf"
	SourceTypeExcel SourceType = "excel"
	SourceTypeCSV   SourceType = "csv"
)

// Source lifecycle: created pending, active once an extractor is bound,
// error after repeated failures, inactive by operator.
const (
	SourceStatusPending  SourceStatus = "pending"
	SourceStatusActive   SourceStatus = "active"
	SourceStatusInactive SourceStatus = "inactive"
	SourceStatusError    SourceStatus = "error"
	// SourceStatusDisabled is set by the alert engine's disable_source action.
	SourceStatusDisabled SourceStatus = "disabled"
)

// Crawler statuses. At most one active crawler exists per source.
const (
	CrawlerStatusActive   CrawlerStatus = "active"
	CrawlerStatusInactive CrawlerStatus = "inactive"
)

// Crawl result statuses. A result is immutable once terminal.
const (
	CrawlStatusRunning CrawlStatus = "running"
	CrawlStatusSuccess CrawlStatus = "success"
	CrawlStatusPartial CrawlStatus = "partial"
	CrawlStatusFailed  CrawlStatus = "failed"
)

// Error log resolution methods.
const (
	ResolutionAuto   ResolutionMethod = "auto"
	ResolutionManual ResolutionMethod = "manual"
)

// IsValid returns true when the source type is one of the known kinds.
func (t SourceType) IsValid() bool {
	switch t {
	case SourceTypeHTML, SourceTypePDF, SourceTypeExcel, SourceTypeCSV:
		return true
	default:
		return false
	}
}

// IsValid returns true when the status is a known source lifecycle state.
func (s SourceStatus) IsValid() bool {
	switch s {
	case SourceStatusPending, SourceStatusActive, SourceStatusInactive,
		SourceStatusError, SourceStatusDisabled:
		return true
	default:
		return false
	}
}

// IsValid returns true when the status is a known crawl outcome.
func (s CrawlStatus) IsValid() bool {
	switch s {
	case CrawlStatusRunning, CrawlStatusSuccess, CrawlStatusPartial, CrawlStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true when the status ends a run.
func (s CrawlStatus) IsTerminal() bool {
	switch s {
	case CrawlStatusSuccess, CrawlStatusPartial, CrawlStatusFailed:
		return true
	default:
		return false
	}
}

type (
	// SourceField is a user-declared extraction hint attached to a source.
	// The schema detector honors hint types when inferring field schemas.
	SourceField struct {
		Name        string `bson:"name"                  json:"name"`
		Type        string `bson:"type,omitempty"        json:"type,omitempty"`
		Required    *bool  `bson:"required,omitempty"    json:"required,omitempty"`
		Description string `bson:"description,omitempty" json:"description,omitempty"`
	}

	// Source is a crawling target.
	Source struct {
		ID          ID             `bson:"_id,omitempty"          json:"id"`
		Name        string         `bson:"name"                   json:"name"`
		URL         string         `bson:"url"                    json:"url"`
		Type        SourceType     `bson:"type"                   json:"type"`
		Fields      []SourceField  `bson:"fields,omitempty"       json:"fields,omitempty"`
		Schedule    string         `bson:"schedule,omitempty"     json:"schedule,omitempty"`
		Status      SourceStatus   `bson:"status"                 json:"status"`
		ErrorCount  int            `bson:"error_count"            json:"error_count"`
		LastRun     *time.Time     `bson:"last_run,omitempty"     json:"last_run,omitempty"`
		LastSuccess *time.Time     `bson:"last_success,omitempty" json:"last_success,omitempty"`
		Metadata    map[string]any `bson:"metadata,omitempty"     json:"metadata,omitempty"`
		CreatedAt   time.Time      `bson:"created_at"             json:"created_at"`
		UpdatedAt   *time.Time     `bson:"updated_at,omitempty"   json:"updated_at,omitempty"`
	}

	// Crawler is a versioned extractor program bound to one source.
	Crawler struct {
		ID        ID            `bson:"_id,omitempty"    json:"id"`
		SourceID  ID            `bson:"source_id"        json:"source_id"`
		Version   int           `bson:"version"          json:"version"`
		Status    CrawlerStatus `bson:"status"           json:"status"`
		DagID     string        `bson:"dag_id,omitempty" json:"dag_id,omitempty"`
		Code      string        `bson:"code"             json:"code"`
		CreatedAt time.Time     `bson:"created_at"       json:"created_at"`
		CreatedBy string        `bson:"created_by"       json:"created_by"`
	}

	// CrawlerHistory is the append-only record of a crawler code change.
	// Immutable once written.
	CrawlerHistory struct {
		ID         ID        `bson:"_id,omitempty"         json:"id"`
		CrawlerID  ID        `bson:"crawler_id"            json:"crawler_id"`
		SourceID   ID        `bson:"source_id"             json:"source_id"`
		Version    int       `bson:"version"               json:"version"`
		Code       string    `bson:"code"                  json:"code"`
		ChangeNote string    `bson:"change_note,omitempty" json:"change_note,omitempty"`
		CreatedAt  time.Time `bson:"created_at"            json:"created_at"`
		CreatedBy  string    `bson:"created_by"            json:"created_by"`
	}

	// CrawlResult records one pipeline run. Immutable after completion.
	CrawlResult struct {
		ID                  ID               `bson:"_id,omitempty"           json:"id"`
		SourceID            ID               `bson:"source_id"               json:"source_id"`
		CrawlerID           ID               `bson:"crawler_id,omitempty"    json:"crawler_id,omitempty"`
		RunID               string           `bson:"run_id"                  json:"run_id"`
		Status              CrawlStatus      `bson:"status"                  json:"status"`
		RecordCount         int              `bson:"record_count"            json:"record_count"`
		ExecutionTimeMillis int64            `bson:"execution_time_ms"       json:"execution_time_ms"`
		ExecutedAt          time.Time        `bson:"executed_at"             json:"executed_at"`
		ErrorCode           string           `bson:"error_code,omitempty"    json:"error_code,omitempty"`
		ErrorMessage        string           `bson:"error_message,omitempty" json:"error_message,omitempty"`
		Data                []map[string]any `bson:"data,omitempty"          json:"data,omitempty"`
	}

	// ErrorLog is a per-failure record. Created on failure, resolved at
	// most once.
	ErrorLog struct {
		ID               ID               `bson:"_id,omitempty"               json:"id"`
		SourceID         ID               `bson:"source_id"                   json:"source_id"`
		CrawlResultID    *ID              `bson:"crawl_result_id,omitempty"   json:"crawl_result_id,omitempty"`
		RunID            string           `bson:"run_id,omitempty"            json:"run_id,omitempty"`
		ErrorCode        string           `bson:"error_code"                  json:"error_code"`
		ErrorMessage     string           `bson:"error_message"               json:"error_message"`
		StackTrace       string           `bson:"stack_trace,omitempty"       json:"stack_trace,omitempty"`
		Severity         string           `bson:"severity,omitempty"          json:"severity,omitempty"`
		Resolved         bool             `bson:"resolved"                    json:"resolved"`
		ResolvedAt       *time.Time       `bson:"resolved_at,omitempty"       json:"resolved_at,omitempty"`
		ResolutionMethod ResolutionMethod `bson:"resolution_method,omitempty" json:"resolution_method,omitempty"`
		ResolutionDetail string           `bson:"resolution_detail,omitempty" json:"resolution_detail,omitempty"`
		CreatedAt        time.Time        `bson:"created_at"                  json:"created_at"`
	}

	// Pagination bounds list queries.
	Pagination struct {
		Limit int
		Skip  int
	}

	// SourceFilter narrows source list queries. Nil fields are ignored.
	SourceFilter struct {
		Status       *SourceStatus
		Type         *SourceType
		NameContains *string
	}

	// CrawlResultFilter narrows crawl result list queries.
	CrawlResultFilter struct {
		SourceID *ID
		Status   *CrawlStatus
		Since    *time.Time
	}

	// ErrorLogFilter narrows error log list queries.
	ErrorLogFilter struct {
		SourceID *ID
		Resolved *bool
	}
)

// idFilter builds the canonical primary key filter.
func idFilter(id ID) bson.M {
	return bson.M{"_id": id}
}

// NormalizePagination applies the default and maximum page sizes.
func NormalizePagination(p Pagination) Pagination {
	const (
		defaultLimit = 50
		maxLimit     = 1000
	)

	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}

	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}

	if p.Skip < 0 {
		p.Skip = 0
	}

	return p
}
