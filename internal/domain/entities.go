package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnauthorized       = errors.New("missing credential")
	ErrUnsupportedModel   = errors.New("unsupported model")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrQuotaIO            = errors.New("quota storage failure")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrUploadNetwork      = errors.New("upload network failure")
	ErrUploadAuth         = errors.New("upload auth rejected")
	ErrUploadCommit       = errors.New("upload commit failed")
	ErrUploadTimeout      = errors.New("upload timeout")
	ErrUpstreamProtocol   = errors.New("upstream protocol error")
	ErrUpstreamGeneration = errors.New("upstream generation failed")
	ErrPollTimeout        = errors.New("poll timeout")
	ErrResultExtraction   = errors.New("result extraction failed")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotCompleted   = errors.New("task not completed")
	ErrTaskTransition     = errors.New("task transition not permitted")
	ErrTaskCancel         = errors.New("task cancel not permitted")
	ErrTaskDelete         = errors.New("task delete not permitted")
	ErrCancelled          = errors.New("cancelled")
	ErrInternal           = errors.New("internal error")
)

// ServiceKind enumerates quota-accounted service types.
type ServiceKind string

const (
	ServiceImage  ServiceKind = "image"
	ServiceVideo  ServiceKind = "video"
	ServiceAvatar ServiceKind = "avatar"
)

// ParseServiceKind validates a client-provided service type string.
func ParseServiceKind(s string) (ServiceKind, error) {
	switch ServiceKind(s) {
	case ServiceImage, ServiceVideo, ServiceAvatar:
		return ServiceKind(s), nil
	}
	return "", ErrInvalidRequest
}

// ServiceLimits maps service kinds to daily caps.
type ServiceLimits struct {
	Image  int `yaml:"image"`
	Video  int `yaml:"video"`
	Avatar int `yaml:"avatar"`
}

// Limit returns the daily cap for the given kind, 0 for unknown kinds.
func (l ServiceLimits) Limit(kind ServiceKind) int {
	switch kind {
	case ServiceImage:
		return l.Image
	case ServiceVideo:
		return l.Video
	case ServiceAvatar:
		return l.Avatar
	}
	return 0
}

// DefaultServiceLimits mirrors the upstream free tier: 10 images, 2 videos,
// 1 avatar per session per day.
func DefaultServiceLimits() ServiceLimits {
	return ServiceLimits{Image: 10, Video: 2, Avatar: 1}
}

// SessionDailyUsage is one (session, date) quota row.
// Invariants: counts <= configured limits; counts are monotonic within a day.
type SessionDailyUsage struct {
	SessionID   string    `json:"session_id"`
	Date        string    `json:"date"` // YYYY-MM-DD (UTC)
	ImageCount  int       `json:"image_count"`
	VideoCount  int       `json:"video_count"`
	AvatarCount int       `json:"avatar_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Count returns the stored count for kind.
func (u SessionDailyUsage) Count(kind ServiceKind) int {
	switch kind {
	case ServiceImage:
		return u.ImageCount
	case ServiceVideo:
		return u.VideoCount
	case ServiceAvatar:
		return u.AvatarCount
	}
	return 0
}

// QuotaDecision is the outcome of a quota check.
type QuotaDecision struct {
	Allowed   bool `json:"allowed"`
	Current   int  `json:"current"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
}

// UsageDailyStats aggregates usage rows for a single date.
type UsageDailyStats struct {
	Date         string  `json:"date"`
	Sessions     int     `json:"sessions"`
	ImageTotal   int     `json:"image_total"`
	VideoTotal   int     `json:"video_total"`
	AvatarTotal  int     `json:"avatar_total"`
	ImageAverage float64 `json:"image_average"`
	VideoAverage float64 `json:"video_average"`
}

// QuotaLedger is the per-session daily usage counter with atomic
// check-and-increment semantics per (session, date) key.
type QuotaLedger interface {
	// Check reports whether one more generation of the given kind is allowed
	// today, creating the zeroed row on first sight of the key.
	Check(ctx Context, session string, kind ServiceKind) (QuotaDecision, error)
	// Increment re-checks under the same critical section and bumps the count.
	// Returns ErrQuotaExceeded when the cap was reached in between.
	Increment(ctx Context, session string, kind ServiceKind) error
	// DailyStats aggregates all sessions for the given date.
	DailyStats(ctx Context, date string) (UsageDailyStats, error)
	// RangeStats aggregates per date over the inclusive [from, to] range.
	RangeStats(ctx Context, from, to string) ([]UsageDailyStats, error)
	// History returns the session's rows over the trailing N days.
	History(ctx Context, session string, days int) ([]SessionDailyUsage, error)
	// Cleanup removes rows older than the retention window, returning how many.
	Cleanup(ctx Context, retentionDays int) (int, error)
}

// AssetUploader pushes client-referenced images into the upstream blob store
// and returns the opaque URIs the generation payload needs.
type AssetUploader interface {
	// UploadAll uploads sources in order. Sources may be http(s) URLs, data
	// URIs, or bare base64. Sequencing and inter-upload pacing are the
	// implementation's responsibility.
	UploadAll(ctx Context, cred Credential, sources []string) ([]string, error)
}

// GenerationMode selects the upstream envelope shape.
type GenerationMode string

const (
	ModeText2Image  GenerationMode = "text2img"
	ModeBlend       GenerationMode = "img2img"
	ModeMultiImage  GenerationMode = "multi_img"
	ModeImage2Video GenerationMode = "img2video"
)

// ResolutionInfo is the resolved output size for a job.
type ResolutionInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Type   string `json:"type"` // 480p|720p|1080p|2k|1k
	Forced bool   `json:"forced"`
}

// GenerationJob carries everything the upstream protocol needs for one
// generation. It is transient and never persisted.
type GenerationJob struct {
	Region           Region
	Mode             GenerationMode
	Model            string // user-facing id
	ModelCode        string // upstream code
	Resolution       ResolutionInfo
	SubmitID         string
	ComponentID      string
	UploadedImages   []string
	Prompt           string
	NegativePrompt   string
	SampleStrength   float64
	IntelligentRatio bool
	Seed             int64
	ExpectedItems    int
	VideoDurationMS  int
}

// GenerationOutcome is what a finished upstream generation yields.
type GenerationOutcome struct {
	URLs      []string
	HistoryID string
	Elapsed   time.Duration
	Polls     int
}

// RunHooks lets callers observe a long-running generation. Both fields are
// optional; the zero value is valid.
type RunHooks struct {
	// OnProgress receives monotone 0-100 progress values.
	OnProgress func(percent int)
	// Cancelled is consulted at poll boundaries; returning true aborts the
	// wait with ErrCancelled without issuing further upstream requests.
	Cancelled func() bool
}

// UpstreamClient is the generation backend port implemented by the dreamina
// adapter.
type UpstreamClient interface {
	// ResolveJob maps the user-facing request onto a concrete job: region,
	// upstream model code (with cross-region default substitution), output
	// resolution, submit/component ids, expected item count.
	ResolveJob(ctx Context, cred Credential, params GenerationParams, taskType TaskType) (GenerationJob, error)
	// EnsureCredit verifies the upstream account has generation credit,
	// claiming the daily gift when exhausted.
	EnsureCredit(ctx Context, cred Credential) error
	// SubmitJob posts the generation draft and returns the history record id.
	SubmitJob(ctx Context, cred Credential, job GenerationJob) (string, error)
	// AwaitResult polls the history record until terminal and extracts asset
	// URLs, reporting progress through hooks.
	AwaitResult(ctx Context, cred Credential, job GenerationJob, historyID string, hooks RunHooks) (GenerationOutcome, error)
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
