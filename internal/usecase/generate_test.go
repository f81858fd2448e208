package usecase_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
	"github.com/fairyhunter13/jimeng-gateway/internal/usecase"
)

func testCred() domain.Credential {
	return domain.Credential{Token: "tok-abcdef", Region: domain.RegionCN, SessionID: "session_0011223344556677"}
}

func testParams(images ...string) domain.GenerationParams {
	return domain.GenerationParams{
		Model:      "jimeng-4.0",
		Prompt:     "a lighthouse at dusk",
		Images:     images,
		Credential: testCred(),
	}
}

// fakeUpstream scripts the generation backend and records call order.
type fakeUpstream struct {
	mu        sync.Mutex
	calls     []string
	submitted []domain.GenerationJob

	resolveErr error
	creditErr  error
	submitErr  error
	awaitErr   error
	outcome    *domain.GenerationOutcome
}

func (f *fakeUpstream) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeUpstream) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeUpstream) ResolveJob(ctx domain.Context, cred domain.Credential, params domain.GenerationParams, taskType domain.TaskType) (domain.GenerationJob, error) {
	f.record("resolve:" + string(taskType))
	if f.resolveErr != nil {
		return domain.GenerationJob{}, f.resolveErr
	}
	mode := domain.ModeText2Image
	expected := 4
	switch taskType {
	case domain.TaskImageComposition:
		mode = domain.ModeBlend
		expected = 1
	case domain.TaskVideoGeneration:
		mode = domain.ModeImage2Video
		expected = 1
	}
	return domain.GenerationJob{
		Region:        cred.Region,
		Mode:          mode,
		Model:         params.Model,
		ModelCode:     "high_aes_general_v40",
		Prompt:        params.Prompt,
		ExpectedItems: expected,
	}, nil
}

func (f *fakeUpstream) EnsureCredit(ctx domain.Context, cred domain.Credential) error {
	f.record("credit")
	return f.creditErr
}

func (f *fakeUpstream) SubmitJob(ctx domain.Context, cred domain.Credential, job domain.GenerationJob) (string, error) {
	f.record("submit")
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, job)
	f.mu.Unlock()
	return "hist-1", nil
}

func (f *fakeUpstream) AwaitResult(ctx domain.Context, cred domain.Credential, job domain.GenerationJob, historyID string, hooks domain.RunHooks) (domain.GenerationOutcome, error) {
	f.record("await:" + historyID)
	if f.awaitErr != nil {
		return domain.GenerationOutcome{}, f.awaitErr
	}
	if f.outcome != nil {
		return *f.outcome, nil
	}
	return domain.GenerationOutcome{
		URLs:      []string{"https://cdn/out-1.png"},
		HistoryID: historyID,
		Elapsed:   1500 * time.Millisecond,
		Polls:     3,
	}, nil
}

// fakeUploader records batches and mints predictable store URIs.
type fakeUploader struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (f *fakeUploader) UploadAll(ctx domain.Context, cred domain.Credential, sources []string) ([]string, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), sources...))
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]string, len(sources))
	for i := range sources {
		out[i] = fmt.Sprintf("tos-cn-i-%d", i)
	}
	return out, nil
}

// fakeLedger scripts quota decisions and counts increments.
type fakeLedger struct {
	mu         sync.Mutex
	checks     []string
	increments []string

	decision domain.QuotaDecision
	checkErr error
	incErr   error

	daily      domain.UsageDailyStats
	rangeRows  []domain.UsageDailyStats
	historyRet []domain.SessionDailyUsage
	cleaned    int
}

func (f *fakeLedger) Check(ctx domain.Context, session string, kind domain.ServiceKind) (domain.QuotaDecision, error) {
	f.mu.Lock()
	f.checks = append(f.checks, session+"/"+string(kind))
	f.mu.Unlock()
	if f.checkErr != nil {
		return domain.QuotaDecision{}, f.checkErr
	}
	if f.decision == (domain.QuotaDecision{}) {
		return domain.QuotaDecision{Allowed: true, Current: 0, Limit: 10, Remaining: 10}, nil
	}
	return f.decision, nil
}

func (f *fakeLedger) Increment(ctx domain.Context, session string, kind domain.ServiceKind) error {
	f.mu.Lock()
	f.increments = append(f.increments, session+"/"+string(kind))
	f.mu.Unlock()
	return f.incErr
}

func (f *fakeLedger) DailyStats(ctx domain.Context, date string) (domain.UsageDailyStats, error) {
	return f.daily, nil
}

func (f *fakeLedger) RangeStats(ctx domain.Context, from, to string) ([]domain.UsageDailyStats, error) {
	return f.rangeRows, nil
}

func (f *fakeLedger) History(ctx domain.Context, session string, days int) ([]domain.SessionDailyUsage, error) {
	return f.historyRet, nil
}

func (f *fakeLedger) Cleanup(ctx domain.Context, retentionDays int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned++
	return 2, nil
}

func (f *fakeLedger) incrementLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.increments...)
}

func newGenerateService(up *fakeUpstream, uploader *fakeUploader, ledger *fakeLedger) usecase.GenerateService {
	return usecase.NewGenerateService(up, uploader, ledger, true)
}

func TestGenerate_Text2Image(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := &fakeUpstream{}
	uploader := &fakeUploader{}
	ledger := &fakeLedger{}
	svc := newGenerateService(up, uploader, ledger)

	res, err := svc.Generate(ctx, domain.TaskImageGeneration, testParams(), domain.RunHooks{})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/out-1.png"}, res.URLs)
	assert.Equal(t, "hist-1", res.HistoryID)
	assert.Equal(t, int64(1500), res.LatencyMS)
	assert.Equal(t, 3, res.Polls)

	assert.Equal(t, []string{"resolve:image_generation", "credit", "submit", "await:hist-1"}, up.callLog())
	assert.Empty(t, uploader.batches, "text2img has nothing to upload")
	assert.Equal(t, []string{"session_0011223344556677/image"}, ledger.incrementLog())
}

func TestGenerate_MissingCredential(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{}
	svc := newGenerateService(up, &fakeUploader{}, &fakeLedger{})

	params := testParams()
	params.Credential = domain.Credential{}
	_, err := svc.Generate(context.Background(), domain.TaskImageGeneration, params, domain.RunHooks{})
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Empty(t, up.callLog())
}

func TestGenerate_QuotaDeniedStopsEarly(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{}
	ledger := &fakeLedger{decision: domain.QuotaDecision{Allowed: false, Current: 10, Limit: 10}}
	svc := newGenerateService(up, &fakeUploader{}, ledger)

	_, err := svc.Generate(context.Background(), domain.TaskImageGeneration, testParams(), domain.RunHooks{})
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Equal(t, []string{"resolve:image_generation"}, up.callLog(), "no upstream traffic after a denial")
	assert.Empty(t, ledger.incrementLog())
}

func TestGenerate_QuotaStorageError(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{checkErr: fmt.Errorf("op=usage.check: %w", domain.ErrQuotaIO)}
	svc := newGenerateService(&fakeUpstream{}, &fakeUploader{}, ledger)

	_, err := svc.Generate(context.Background(), domain.TaskImageGeneration, testParams(), domain.RunHooks{})
	require.ErrorIs(t, err, domain.ErrQuotaIO)
}

func TestGenerate_InsufficientCredit(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{creditErr: fmt.Errorf("op=dreamina.EnsureCredit: %w", domain.ErrInsufficientCredit)}
	svc := newGenerateService(up, &fakeUploader{}, &fakeLedger{})

	_, err := svc.Generate(context.Background(), domain.TaskImageGeneration, testParams(), domain.RunHooks{})
	require.ErrorIs(t, err, domain.ErrInsufficientCredit)
	assert.Equal(t, []string{"resolve:image_generation", "credit"}, up.callLog())
}

func TestGenerate_CreditCheckDisabled(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{creditErr: fmt.Errorf("must not be called: %w", domain.ErrInsufficientCredit)}
	svc := usecase.NewGenerateService(up, &fakeUploader{}, &fakeLedger{}, false)

	_, err := svc.Generate(context.Background(), domain.TaskImageGeneration, testParams(), domain.RunHooks{})
	require.NoError(t, err)
	assert.NotContains(t, up.callLog(), "credit")
}

func TestGenerate_UploadsFlowIntoJob(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{}
	uploader := &fakeUploader{}
	svc := newGenerateService(up, uploader, &fakeLedger{})

	params := testParams("data:image/png;base64,aGk=", "https://example.com/b.jpg")
	_, err := svc.Generate(context.Background(), domain.TaskImageComposition, params, domain.RunHooks{})
	require.NoError(t, err)

	require.Len(t, uploader.batches, 1)
	assert.Equal(t, params.Images, uploader.batches[0])
	require.Len(t, up.submitted, 1)
	assert.Equal(t, []string{"tos-cn-i-0", "tos-cn-i-1"}, up.submitted[0].UploadedImages)
	assert.Equal(t, domain.ModeBlend, up.submitted[0].Mode)
}

func TestGenerate_UploadFailureStopsSubmit(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{}
	uploader := &fakeUploader{err: fmt.Errorf("op=imagex.put: %w", domain.ErrUploadNetwork)}
	svc := newGenerateService(up, uploader, &fakeLedger{})

	_, err := svc.Generate(context.Background(), domain.TaskImageComposition, testParams("data:image/png;base64,aGk="), domain.RunHooks{})
	require.ErrorIs(t, err, domain.ErrUploadNetwork)
	assert.NotContains(t, up.callLog(), "submit")
}

func TestGenerate_NoIncrementOnFailure(t *testing.T) {
	t.Parallel()
	up := &fakeUpstream{awaitErr: fmt.Errorf("op=dreamina.AwaitResult: %w", domain.ErrUpstreamGeneration)}
	ledger := &fakeLedger{}
	svc := newGenerateService(up, &fakeUploader{}, ledger)

	_, err := svc.Generate(context.Background(), domain.TaskImageGeneration, testParams(), domain.RunHooks{})
	require.ErrorIs(t, err, domain.ErrUpstreamGeneration)
	assert.Empty(t, ledger.incrementLog(), "usage moves only on success")
}

func TestGenerate_IncrementFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{incErr: fmt.Errorf("op=usage.increment: %w", domain.ErrQuotaIO)}
	svc := newGenerateService(&fakeUpstream{}, &fakeUploader{}, ledger)

	res, err := svc.Generate(context.Background(), domain.TaskImageGeneration, testParams(), domain.RunHooks{})
	require.NoError(t, err, "the user already paid the upstream cost; keep the result")
	assert.NotEmpty(t, res.URLs)
	assert.Len(t, ledger.incrementLog(), 1)
}

func TestGenerate_SyncWrappers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	up := &fakeUpstream{}
	svc := newGenerateService(up, &fakeUploader{}, &fakeLedger{})

	urls, err := svc.GenerateImage(ctx, testParams())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn/out-1.png"}, urls)

	_, err = svc.GenerateComposition(ctx, testParams("data:image/png;base64,aGk="))
	require.NoError(t, err)
	_, err = svc.GenerateVideo(ctx, testParams())
	require.NoError(t, err)

	log := up.callLog()
	assert.Contains(t, log, "resolve:image_generation")
	assert.Contains(t, log, "resolve:image_composition")
	assert.Contains(t, log, "resolve:video_generation")
}

func TestGenerate_VideoCountsAgainstVideoQuota(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{}
	svc := newGenerateService(&fakeUpstream{}, &fakeUploader{}, ledger)

	_, err := svc.Generate(context.Background(), domain.TaskVideoGeneration, testParams(), domain.RunHooks{})
	require.NoError(t, err)
	assert.Equal(t, []string{"session_0011223344556677/video"}, ledger.incrementLog())
}
