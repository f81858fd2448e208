// Package usecase contains application business logic services.
package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// GenerateService orchestrates one generation end to end: model and region
// resolution, quota admission, credit, uploads, submission, polling, and the
// usage increment on success.
type GenerateService struct {
	Upstream    domain.UpstreamClient
	Uploader    domain.AssetUploader
	Quota       domain.QuotaLedger
	CreditCheck bool
}

// NewGenerateService constructs a GenerateService with its dependencies.
func NewGenerateService(up domain.UpstreamClient, uploader domain.AssetUploader, quota domain.QuotaLedger, creditCheck bool) GenerateService {
	return GenerateService{Upstream: up, Uploader: uploader, Quota: quota, CreditCheck: creditCheck}
}

// Generate runs the full pipeline for one task type. The quota check happens
// before any upstream traffic; the usage counter moves only after a
// successful result, and a failed increment never fails the generation.
func (s GenerateService) Generate(ctx domain.Context, typ domain.TaskType, params domain.GenerationParams, hooks domain.RunHooks) (domain.TaskResult, error) {
	cred := params.Credential
	if cred.SessionID == "" {
		return domain.TaskResult{}, fmt.Errorf("op=usecase.generate: %w", domain.ErrUnauthorized)
	}
	job, err := s.Upstream.ResolveJob(ctx, cred, params, typ)
	if err != nil {
		return domain.TaskResult{}, err
	}

	kind := typ.ServiceKind()
	dec, err := s.Quota.Check(ctx, cred.SessionID, kind)
	if err != nil {
		return domain.TaskResult{}, err
	}
	if !dec.Allowed {
		return domain.TaskResult{}, fmt.Errorf("op=usecase.generate: %s %d/%d today: %w", kind, dec.Current, dec.Limit, domain.ErrQuotaExceeded)
	}
	if s.CreditCheck {
		if err := s.Upstream.EnsureCredit(ctx, cred); err != nil {
			return domain.TaskResult{}, err
		}
	}

	if len(params.Images) > 0 {
		uploaded, err := s.Uploader.UploadAll(ctx, cred, params.Images)
		if err != nil {
			return domain.TaskResult{}, err
		}
		job.UploadedImages = uploaded
	}

	historyID, err := s.Upstream.SubmitJob(ctx, cred, job)
	if err != nil {
		return domain.TaskResult{}, err
	}
	outcome, err := s.Upstream.AwaitResult(ctx, cred, job, historyID, hooks)
	if err != nil {
		return domain.TaskResult{}, err
	}

	if err := s.Quota.Increment(ctx, cred.SessionID, kind); err != nil {
		slog.Warn("usage increment failed after successful generation",
			slog.String("session", cred.SessionID),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
	}
	return domain.TaskResult{
		URLs:      outcome.URLs,
		HistoryID: outcome.HistoryID,
		LatencyMS: outcome.Elapsed.Milliseconds(),
		Polls:     outcome.Polls,
	}, nil
}

// GenerateImage is the synchronous text-to-image entry point.
func (s GenerateService) GenerateImage(ctx domain.Context, params domain.GenerationParams) ([]string, error) {
	res, err := s.Generate(ctx, domain.TaskImageGeneration, params, domain.RunHooks{})
	if err != nil {
		return nil, err
	}
	return res.URLs, nil
}

// GenerateComposition blends the referenced input images under the prompt.
func (s GenerateService) GenerateComposition(ctx domain.Context, params domain.GenerationParams) ([]string, error) {
	res, err := s.Generate(ctx, domain.TaskImageComposition, params, domain.RunHooks{})
	if err != nil {
		return nil, err
	}
	return res.URLs, nil
}

// GenerateVideo is the synchronous video entry point.
func (s GenerateService) GenerateVideo(ctx domain.Context, params domain.GenerationParams) ([]string, error) {
	res, err := s.Generate(ctx, domain.TaskVideoGeneration, params, domain.RunHooks{})
	if err != nil {
		return nil, err
	}
	return res.URLs, nil
}
