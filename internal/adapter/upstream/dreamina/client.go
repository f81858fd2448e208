package dreamina

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/proxy"

	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/jimeng-gateway/internal/config"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
	"github.com/fairyhunter13/jimeng-gateway/pkg/textx"
)

// Upstream history states observed in get_history_by_ids.
const (
	historyStatusFailed    = 30
	historyStatusCompleted = 50
)

const (
	defaultSampleStrength = 0.5
	defaultVideoDuration  = 5000  // ms
	maxVideoDuration      = 15000 // ms
)

// Client implements domain.UpstreamClient against the regional Dreamina API.
type Client struct {
	cfg config.Config
	hc  *http.Client
	now func() time.Time
}

// UploadToken is the temporary STS credential minted by get_upload_token.
type UploadToken struct {
	AccessKey    string `json:"access_key_id"`
	SecretKey    string `json:"secret_access_key"`
	SessionToken string `json:"session_token"`
	ServiceID    string `json:"service_id"`
}

// New constructs the client with a shared pooled transport. The transport
// dials through the configured SOCKS5 proxy when enabled.
func New(cfg config.Config) (*Client, error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout:   cfg.UpstreamTimeout,
			Transport: otelhttp.NewTransport(transport),
		},
		now: time.Now,
	}, nil
}

// HTTPClient exposes the decorated client for sibling adapters that share the
// proxy and timeout settings.
func (c *Client) HTTPClient() *http.Client { return c.hc }

func newTransport(cfg config.Config) (http.RoundTripper, error) {
	t, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport, nil
	}
	t = t.Clone()
	if !cfg.Proxy.Enabled {
		return t, nil
	}
	var auth *proxy.Auth
	if cfg.Proxy.Username != "" {
		auth = &proxy.Auth{User: cfg.Proxy.Username, Password: cfg.Proxy.Password}
	}
	direct := &net.Dialer{Timeout: cfg.Proxy.Timeout}
	socks, err := proxy.SOCKS5("tcp", cfg.Proxy.Addr(), auth, direct)
	if err != nil {
		return nil, fmt.Errorf("op=dreamina.newTransport: socks5 %s: %w", cfg.Proxy.Addr(), err)
	}
	dialer := socks
	if len(cfg.Proxy.Bypass) > 0 {
		ph := proxy.NewPerHost(socks, direct)
		ph.AddFromString(strings.Join(cfg.Proxy.Bypass, ","))
		dialer = ph
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		t.DialContext = cd.DialContext
	} else {
		t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	slog.Info("upstream transport using socks5 proxy",
		slog.String("proxy", cfg.Proxy.Addr()),
		slog.Int("bypass_hosts", len(cfg.Proxy.Bypass)))
	return t, nil
}

// apiEnvelope is the common response wrapper of the mweb API.
type apiEnvelope struct {
	Ret    string          `json:"ret"`
	ErrMsg string          `json:"errmsg"`
	Data   json.RawMessage `json:"data"`
}

// retSessionExpired is the mweb code for a dead session cookie.
const retSessionExpired = "1015"

// newAPIRequest builds a request decorated the way the web client does:
// session cookies, aid/device_platform/region query, device-time and sign
// headers, and a deterministic web id per session.
func (c *Client) newAPIRequest(ctx context.Context, cred domain.Credential, method, base, path string, q url.Values, body any) (*http.Request, error) {
	ep := EndpointsFor(c.cfg, cred.Region)
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("op=dreamina.newAPIRequest: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("op=dreamina.newAPIRequest: %w", err)
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("aid", strconv.Itoa(ep.AID))
	q.Set("device_platform", "web")
	q.Set("region", ep.RegionParam)
	q.Set("web_id", deriveNumericID(cred.SessionID+":web", 19))
	req.URL.RawQuery = q.Encode()

	dt := c.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", fmt.Sprintf("sessionid=%s; sessionid_ss=%s", cred.Token, cred.Token))
	req.Header.Set("Origin", ep.Origin)
	req.Header.Set("Referer", ep.Origin+"/ai-tool/generate")
	req.Header.Set("appvr", ep.AppVersion)
	req.Header.Set("pf", platformCode)
	req.Header.Set("device-time", strconv.FormatInt(dt, 10))
	req.Header.Set("sign", signRequest(req.URL.Path, ep.AppVersion, dt))
	req.Header.Set("sign-ver", "1")
	return req, nil
}

// doJSON executes the request, unwraps the {ret, errmsg, data} envelope, and
// decodes data into out when non-nil.
func (c *Client) doJSON(req *http.Request, region domain.Region, operation string, out any) error {
	start := time.Now()
	resp, err := c.hc.Do(req)
	observability.ObserveUpstream(string(region), operation, time.Since(start))
	if err != nil {
		return fmt.Errorf("op=dreamina.%s: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("op=dreamina.%s: read body: %w", operation, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("op=dreamina.%s: status %d: %w", operation, resp.StatusCode, domain.ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		slog.Warn("upstream non-2xx",
			slog.String("operation", operation),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet))
		return fmt.Errorf("op=dreamina.%s: status %d: %w", operation, resp.StatusCode, domain.ErrUpstreamProtocol)
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("op=dreamina.%s: decode envelope: %w", operation, domain.ErrUpstreamProtocol)
	}
	if env.Ret != "0" {
		if env.Ret == retSessionExpired {
			return fmt.Errorf("op=dreamina.%s: ret=%s %s: %w", operation, env.Ret, env.ErrMsg, domain.ErrUnauthorized)
		}
		return fmt.Errorf("op=dreamina.%s: ret=%s %s: %w", operation, env.Ret, env.ErrMsg, domain.ErrUpstreamProtocol)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("op=dreamina.%s: decode data: %w", operation, domain.ErrUpstreamProtocol)
		}
	}
	return nil
}

// ResolveJob maps a request onto a concrete generation job for the
// credential's region.
func (c *Client) ResolveJob(ctx domain.Context, cred domain.Credential, params domain.GenerationParams, taskType domain.TaskType) (domain.GenerationJob, error) {
	_ = ctx
	prompt := textx.SanitizeText(params.Prompt)
	if prompt == "" {
		return domain.GenerationJob{}, fmt.Errorf("op=dreamina.ResolveJob: empty prompt: %w", domain.ErrInvalidRequest)
	}
	video := taskType == domain.TaskVideoGeneration
	userModel, code, err := ResolveModel(cred.Region, params.Model, video)
	if err != nil {
		return domain.GenerationJob{}, err
	}

	mode := domain.ModeText2Image
	expected := 4
	switch taskType {
	case domain.TaskVideoGeneration:
		mode = domain.ModeImage2Video
		expected = 1
	case domain.TaskImageComposition:
		if len(params.Images) == 0 {
			return domain.GenerationJob{}, fmt.Errorf("op=dreamina.ResolveJob: composition requires input images: %w", domain.ErrInvalidRequest)
		}
		mode = domain.ModeBlend
		expected = 1
	default:
		count := params.Count
		if count == 0 {
			count = textx.ImageCountHint(prompt)
		}
		if count > 0 {
			mode = domain.ModeMultiImage
			expected = count
		}
	}

	strength := defaultSampleStrength
	if params.SampleStrength != nil {
		strength = *params.SampleStrength
	}
	var seed int64
	if params.Seed != nil {
		seed = *params.Seed
	} else {
		seed = int64(rand.Uint32())
	}
	duration := params.DurationSeconds * 1000
	if duration <= 0 {
		duration = defaultVideoDuration
	}
	if duration > maxVideoDuration {
		duration = maxVideoDuration
	}

	return domain.GenerationJob{
		Region:           cred.Region,
		Mode:             mode,
		Model:            userModel,
		ModelCode:        code,
		Resolution:       ResolveResolution(cred.Region, userModel, params.Ratio, params.Resolution),
		SubmitID:         uuid.NewString(),
		ComponentID:      uuid.NewString(),
		Prompt:           prompt,
		NegativePrompt:   textx.SanitizeText(params.NegativePrompt),
		SampleStrength:   strength,
		IntelligentRatio: params.IntelligentRatio,
		Seed:             seed,
		ExpectedItems:    expected,
		VideoDurationMS:  duration,
	}, nil
}

// SubmitJob posts the generation draft and returns the history record id.
func (c *Client) SubmitJob(ctx domain.Context, cred domain.Credential, job domain.GenerationJob) (string, error) {
	ep := EndpointsFor(c.cfg, cred.Region)
	var (
		env GenerateEnvelope
		err error
	)
	if job.Mode == domain.ModeImage2Video {
		env, err = BuildVideoEnvelope(ep, job)
	} else {
		env, err = BuildImageEnvelope(ep, job)
	}
	if err != nil {
		return "", err
	}

	q := url.Values{"babi_param": []string{BabiParam(job)}}
	req, err := c.newAPIRequest(ctx, cred, http.MethodPost, ep.APIBase, "/mweb/v1/aigc_draft/generate", q, env)
	if err != nil {
		return "", err
	}
	var data struct {
		AigcData struct {
			HistoryRecordID string `json:"history_record_id"`
		} `json:"aigc_data"`
	}
	if err := c.doJSON(req, cred.Region, "generate", &data); err != nil {
		return "", err
	}
	if data.AigcData.HistoryRecordID == "" {
		return "", fmt.Errorf("op=dreamina.SubmitJob: missing history_record_id: %w", domain.ErrUpstreamProtocol)
	}
	slog.Info("generation submitted",
		slog.String("history_id", data.AigcData.HistoryRecordID),
		slog.String("submit_id", job.SubmitID),
		slog.String("model", job.Model),
		slog.String("mode", string(job.Mode)),
		slog.String("region", string(job.Region)))
	return data.AigcData.HistoryRecordID, nil
}

// historyRecord is one entry of the get_history_by_ids response.
type historyRecord struct {
	Status     int           `json:"status"`
	FailCode   json.Number   `json:"fail_code"`
	ItemList   []historyItem `json:"item_list"`
	FinishedAt int64         `json:"finish_time"`
	Task       struct {
		FinishTime int64 `json:"finish_time"`
	} `json:"task"`
}

type historyItem struct {
	Image *struct {
		LargeImages []struct {
			ImageURL string `json:"image_url"`
		} `json:"large_images"`
		ImageURL string `json:"image_url"`
	} `json:"image"`
	CommonAttr *struct {
		CoverURL string `json:"cover_url"`
	} `json:"common_attr"`
	Video *struct {
		TranscodedVideo *struct {
			Origin struct {
				VideoURL string `json:"video_url"`
			} `json:"origin"`
		} `json:"transcoded_video"`
		VideoURL string `json:"video_url"`
	} `json:"video"`
}

func (c *Client) fetchHistory(ctx context.Context, cred domain.Credential, historyID string) (historyRecord, error) {
	ep := EndpointsFor(c.cfg, cred.Region)
	body := map[string]any{
		"history_ids": []string{historyID},
		"image_info": map[string]any{
			"width":  2048,
			"height": 2048,
			"format": "webp",
		},
	}
	req, err := c.newAPIRequest(ctx, cred, http.MethodPost, ep.APIBase, "/mweb/v1/get_history_by_ids", nil, body)
	if err != nil {
		return historyRecord{}, err
	}
	var data map[string]historyRecord
	if err := c.doJSON(req, cred.Region, "get_history", &data); err != nil {
		return historyRecord{}, err
	}
	rec, ok := data[historyID]
	if !ok {
		return historyRecord{}, fmt.Errorf("op=dreamina.fetchHistory: record %s absent: %w", historyID, domain.ErrUpstreamProtocol)
	}
	return rec, nil
}

func (r historyRecord) finishTime() int64 {
	if r.Task.FinishTime > 0 {
		return r.Task.FinishTime
	}
	return r.FinishedAt
}

func (r historyRecord) pollState() string {
	switch r.Status {
	case historyStatusFailed:
		return StateFailed
	case historyStatusCompleted:
		return StateCompleted
	}
	return StateRunning
}

func (r historyRecord) failCode() string {
	s := r.FailCode.String()
	if s == "0" {
		return ""
	}
	return s
}

// AwaitResult polls the history record until terminal, then extracts the
// asset URLs.
func (c *Client) AwaitResult(ctx domain.Context, cred domain.Credential, job domain.GenerationJob, historyID string, hooks domain.RunHooks) (domain.GenerationOutcome, error) {
	video := job.Mode == domain.ModeImage2Video
	maxPolls := c.cfg.PollMaxImage
	if video {
		maxPolls = c.cfg.PollMaxVideo
	}

	fetch := func(ctx context.Context) (PollResult, error) {
		rec, err := c.fetchHistory(ctx, cred, historyID)
		if err != nil {
			return PollResult{}, err
		}
		return PollResult{
			Status: PollStatus{
				State:         rec.pollState(),
				FailCode:      rec.failCode(),
				ItemCount:     len(rec.ItemList),
				FinishTime:    rec.finishTime(),
				CorrelationID: historyID,
			},
			Data: rec.ItemList,
		}, nil
	}

	out, err := Poll(ctx, fetch, PollOptions{
		Expected: job.ExpectedItems,
		MaxPolls: maxPolls,
		Video:    video,
		Hooks:    hooks,
	})
	if err != nil {
		return domain.GenerationOutcome{}, err
	}

	items, _ := out.Data.([]historyItem)
	urls := extractURLs(items)
	if len(urls) == 0 {
		return domain.GenerationOutcome{}, fmt.Errorf("op=dreamina.AwaitResult: %d items, no extractable urls: %w", len(items), domain.ErrResultExtraction)
	}
	observability.ObserveGeneration(string(job.Mode), out.Elapsed, out.Polls)
	slog.Info("generation finished",
		slog.String("history_id", historyID),
		slog.Int("urls", len(urls)),
		slog.Int("polls", out.Polls),
		slog.Duration("elapsed", out.Elapsed))
	return domain.GenerationOutcome{
		URLs:      urls,
		HistoryID: historyID,
		Elapsed:   out.Elapsed,
		Polls:     out.Polls,
	}, nil
}

// extractURLs pulls asset URLs out of history items: transcoded video first
// for video items, then the largest image rendition available.
func extractURLs(items []historyItem) []string {
	urls := make([]string, 0, len(items))
	for _, it := range items {
		switch {
		case it.Video != nil && it.Video.TranscodedVideo != nil && it.Video.TranscodedVideo.Origin.VideoURL != "":
			urls = append(urls, it.Video.TranscodedVideo.Origin.VideoURL)
		case it.Video != nil && it.Video.VideoURL != "":
			urls = append(urls, it.Video.VideoURL)
		case it.Image != nil && len(it.Image.LargeImages) > 0 && it.Image.LargeImages[0].ImageURL != "":
			urls = append(urls, it.Image.LargeImages[0].ImageURL)
		case it.Image != nil && it.Image.ImageURL != "":
			urls = append(urls, it.Image.ImageURL)
		case it.CommonAttr != nil && it.CommonAttr.CoverURL != "":
			urls = append(urls, it.CommonAttr.CoverURL)
		}
	}
	return urls
}

// FetchUploadToken mints the temporary imagex STS credential.
func (c *Client) FetchUploadToken(ctx domain.Context, cred domain.Credential) (UploadToken, error) {
	ep := EndpointsFor(c.cfg, cred.Region)
	req, err := c.newAPIRequest(ctx, cred, http.MethodPost, ep.APIBase, "/mweb/v1/get_upload_token", nil, map[string]any{"scene": 2})
	if err != nil {
		return UploadToken{}, err
	}
	var tok UploadToken
	if err := c.doJSON(req, cred.Region, "get_upload_token", &tok); err != nil {
		return UploadToken{}, err
	}
	if tok.AccessKey == "" || tok.SecretKey == "" || tok.SessionToken == "" {
		return UploadToken{}, fmt.Errorf("op=dreamina.FetchUploadToken: incomplete token: %w", domain.ErrUploadAuth)
	}
	return tok, nil
}
