package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/jimeng-gateway/internal/config"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
	"github.com/fairyhunter13/jimeng-gateway/internal/usecase"
)

// maxGenerationBody caps request bodies on generation endpoints. Compositions
// carry inline base64 images, so the cap is well above the usual JSON budget.
const maxGenerationBody = 32 << 20

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Generate    usecase.GenerateService
	Tasks       usecase.TaskService
	Usage       usecase.UsageService
	Catalog     func(region domain.Region) []string
	LedgerCheck func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, gen usecase.GenerateService, tasks usecase.TaskService, usage usecase.UsageService, catalog func(region domain.Region) []string, ledgerCheck func(context.Context) error, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Generate: gen, Tasks: tasks, Usage: usage, Catalog: catalog, LedgerCheck: ledgerCheck, RedisCheck: redisCheck}
}

// acceptsJSON enforces JSON-only responses, answering 406 for anything else.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	a := r.Header.Get("Accept")
	if a == "" || a == "*/*" || strings.Contains(a, "application/json") || strings.Contains(a, "*/*") {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{Code: "INVALID_REQUEST", Message: "not acceptable", Details: map[string]any{"accept": a}}})
	return false
}

// validateStruct runs the shared validator and flattens field errors into the
// details map the error envelope carries.
func validateStruct(v any) (map[string]string, error) {
	err := getValidator().Struct(v)
	if err == nil {
		return nil, nil
	}
	verrs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return verrs, err
}

// generationRequest is the client payload shared by the sync generation
// endpoints, the async submits, and batch submit items. Semantic rules that
// depend on task type (composition needs images, video duration defaults)
// live in the upstream resolver, not here.
type generationRequest struct {
	Model            string   `json:"model" validate:"omitempty,max=64"`
	Prompt           string   `json:"prompt" validate:"required,max=5000"`
	NegativePrompt   string   `json:"negative_prompt" validate:"omitempty,max=5000"`
	Ratio            string   `json:"ratio" validate:"omitempty,max=16"`
	Resolution       string   `json:"resolution" validate:"omitempty,oneof=480p 720p 1080p 1k 2k"`
	SampleStrength   *float64 `json:"sample_strength" validate:"omitempty,gte=0,lte=1"`
	Seed             *int64   `json:"seed" validate:"omitempty,gte=0"`
	Count            int      `json:"count" validate:"omitempty,gte=1,lte=8"`
	Images           []string `json:"images" validate:"omitempty,max=10"`
	Duration         int      `json:"duration" validate:"omitempty,gte=0,lte=15"`
	IntelligentRatio bool     `json:"intelligent_ratio"`
	Priority         int      `json:"priority" validate:"omitempty,gte=0,lte=10"`
}

// params binds the request to the caller's credential.
func (g generationRequest) params(cred domain.Credential) domain.GenerationParams {
	return domain.GenerationParams{
		Model:            g.Model,
		Prompt:           g.Prompt,
		NegativePrompt:   g.NegativePrompt,
		Ratio:            g.Ratio,
		Resolution:       g.Resolution,
		SampleStrength:   g.SampleStrength,
		Seed:             g.Seed,
		Count:            g.Count,
		Images:           g.Images,
		DurationSeconds:  g.Duration,
		IntelligentRatio: g.IntelligentRatio,
		Credential:       cred,
	}
}

// decodeGeneration handles Accept negotiation, body capping, JSON decoding and
// struct validation for every endpoint that takes a generationRequest.
func (s *Server) decodeGeneration(w http.ResponseWriter, r *http.Request) (generationRequest, bool) {
	var req generationRequest
	if !acceptsJSON(w, r) {
		return req, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxGenerationBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidRequest), nil)
		return req, false
	}
	if verrs, err := validateStruct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidRequest), verrs)
		return req, false
	}
	return req, true
}

// syncGeneration runs one generation to completion and answers with the
// OpenAI-style images envelope.
func (s *Server) syncGeneration(typ domain.TaskType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred, ok := CredentialFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		req, ok := s.decodeGeneration(w, r)
		if !ok {
			return
		}
		res, err := s.Generate.Generate(r.Context(), typ, req.params(cred), domain.RunHooks{})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, imagesEnvelope(res))
	}
}

// imagesEnvelope mirrors the OpenAI images response shape with per-asset URLs.
func imagesEnvelope(res domain.TaskResult) map[string]any {
	data := make([]map[string]any, 0, len(res.URLs))
	for _, u := range res.URLs {
		data = append(data, map[string]any{"url": u})
	}
	return map[string]any{
		"created":    time.Now().Unix(),
		"data":       data,
		"latency_ms": res.LatencyMS,
	}
}

// ImageGenerationHandler runs a text-to-image generation synchronously.
func (s *Server) ImageGenerationHandler() http.HandlerFunc {
	return s.syncGeneration(domain.TaskImageGeneration)
}

// ImageCompositionHandler blends reference images with a prompt synchronously.
func (s *Server) ImageCompositionHandler() http.HandlerFunc {
	return s.syncGeneration(domain.TaskImageComposition)
}

// VideoGenerationHandler runs an image-to-video generation synchronously.
// Callers should expect multi-minute latencies; async submits are the
// recommended path for video.
func (s *Server) VideoGenerationHandler() http.HandlerFunc {
	return s.syncGeneration(domain.TaskVideoGeneration)
}

// ChatCompletionsHandler adapts the OpenAI chat API onto text-to-image. The
// last user message becomes the prompt and generated assets come back as
// markdown image links in the assistant message.
func (s *Server) ChatCompletionsHandler() http.HandlerFunc {
	type chatMessage struct {
		Role    string `json:"role" validate:"required,max=32"`
		Content string `json:"content" validate:"max=5000"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		cred, ok := CredentialFrom(r)
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}
		if !acceptsJSON(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Model    string        `json:"model" validate:"omitempty,max=64"`
			Messages []chatMessage `json:"messages" validate:"required,min=1,max=64,dive"`
			Stream   bool          `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidRequest), nil)
			return
		}
		if verrs, err := validateStruct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidRequest), verrs)
			return
		}
		prompt := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if strings.EqualFold(req.Messages[i].Role, "user") {
				prompt = req.Messages[i].Content
				break
			}
		}
		if prompt == "" {
			prompt = req.Messages[len(req.Messages)-1].Content
		}
		if strings.TrimSpace(prompt) == "" {
			writeError(w, r, fmt.Errorf("%w: no user prompt in messages", domain.ErrInvalidRequest), nil)
			return
		}
		params := domain.GenerationParams{Model: req.Model, Prompt: prompt, Credential: cred}
		res, err := s.Generate.Generate(r.Context(), domain.TaskImageGeneration, params, domain.RunHooks{})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var content strings.Builder
		for i, u := range res.URLs {
			if i > 0 {
				content.WriteString("\n")
			}
			fmt.Fprintf(&content, "![image_%d](%s)", i+1, u)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      "chatcmpl-" + newReqID(),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content.String(),
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{
				"prompt_tokens":     1,
				"completion_tokens": len(res.URLs),
				"total_tokens":      1 + len(res.URLs),
			},
		})
	}
}

// ModelsHandler lists the model ids available for the caller's region. The
// credential is optional here; without one the CN catalog is returned.
func (s *Server) ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		region := domain.RegionCN
		if cred, err := bearerCredential(r); err == nil {
			region = cred.Region
		}
		var ids []string
		if s.Catalog != nil {
			ids = s.Catalog(region)
		}
		data := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			data = append(data, map[string]any{"id": id, "object": "model", "owned_by": "jimeng"})
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	}
}

// PingHandler answers liveness probes from client SDKs.
func (s *Server) PingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	}
}

// ReadyzHandler probes the quota ledger backend and, when configured, redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.LedgerCheck != nil {
			if err := s.LedgerCheck(ctx); err != nil {
				checks = append(checks, check{Name: "ledger", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "ledger", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// OpenAPIServe serves api/openapi.yaml when present.
func (s *Server) OpenAPIServe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := os.ReadFile("api/openapi.yaml")
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}
