package dreamina

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// Draft versions the web client pins. Bumping these without protocol work
// gets drafts rejected upstream.
const (
	draftVersion    = "3.2.8"
	draftMinVersion = "3.0.2"
	videoMinVersion = "1.0.0"
	aigcModeBench   = "workbench"
)

// Scenes reported in metrics_extra.
const (
	sceneBasic = "ImageBasicGenerate"
	sceneMulti = "ImageMultiGenerate"
	sceneBlend = "ImageBlendGenerate"
	sceneVideo = "VideoGenerate"
)

// GenerateEnvelope is the wire body for POST /mweb/v1/aigc_draft/generate.
// draft_content and metrics_extra are JSON documents carried as strings.
type GenerateEnvelope struct {
	Extend         ExtendInfo     `json:"extend"`
	SubmitID       string         `json:"submit_id"`
	MetricsExtra   string         `json:"metrics_extra"`
	DraftContent   string         `json:"draft_content"`
	HTTPCommonInfo HTTPCommonInfo `json:"http_common_info"`
}

// ExtendInfo rides alongside the draft.
type ExtendInfo struct {
	RootModel  string `json:"root_model"`
	TemplateID string `json:"template_id"`
}

// HTTPCommonInfo carries the application id.
type HTTPCommonInfo struct {
	AID int `json:"aid"`
}

type draft struct {
	Type            string      `json:"type"`
	ID              string      `json:"id"`
	MinVersion      string      `json:"min_version"`
	MinFeatures     []string    `json:"min_features"`
	IsFromTSN       bool        `json:"is_from_tsn"`
	Version         string      `json:"version"`
	MainComponentID string      `json:"main_component_id"`
	ComponentList   []component `json:"component_list"`
}

type component struct {
	Type         string    `json:"type"`
	ID           string    `json:"id"`
	MinVersion   string    `json:"min_version"`
	GenerateType string    `json:"generate_type"`
	AIGCMode     string    `json:"aigc_mode"`
	Abilities    abilities `json:"abilities"`
}

type abilities struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Generate *generateParam `json:"generate,omitempty"`
	Blend    *blendParam    `json:"blend,omitempty"`
	GenVideo *genVideoParam `json:"gen_video,omitempty"`
}

type generateParam struct {
	Type          string        `json:"type"`
	ID            string        `json:"id"`
	CoreParam     coreParam     `json:"core_param"`
	HistoryOption historyOption `json:"history_option"`
}

type blendParam struct {
	Type                      string                  `json:"type"`
	ID                        string                  `json:"id"`
	CoreParam                 coreParam               `json:"core_param"`
	AbilityList               []blendAbility          `json:"ability_list"`
	PromptPlaceholderInfoList []promptPlaceholderInfo `json:"prompt_placeholder_info_list"`
	PosteditParam             posteditParam           `json:"postedit_param"`
	HistoryOption             historyOption           `json:"history_option"`
}

type coreParam struct {
	Type             string         `json:"type"`
	ID               string         `json:"id"`
	Model            string         `json:"model"`
	Prompt           string         `json:"prompt"`
	NegativePrompt   string         `json:"negative_prompt"`
	Seed             int64          `json:"seed"`
	SampleStrength   float64        `json:"sample_strength"`
	ImageRatio       int            `json:"image_ratio"`
	LargeImageInfo   largeImageInfo `json:"large_image_info"`
	IntelligentRatio bool           `json:"intelligent_ratio"`
}

type largeImageInfo struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	ResolutionType string `json:"resolution_type"`
}

type blendAbility struct {
	Type         string     `json:"type"`
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	ImageURIList []string   `json:"image_uri_list"`
	ImageList    []imageRef `json:"image_list"`
	Strength     float64    `json:"strength"`
}

type imageRef struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	SourceFrom   string `json:"source_from"`
	PlatformType int    `json:"platform_type"`
	Name         string `json:"name"`
	ImageURI     string `json:"image_uri"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Format       string `json:"format"`
	URI          string `json:"uri"`
}

type promptPlaceholderInfo struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	AbilityIndex int    `json:"ability_index"`
}

type posteditParam struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	GenerateType int    `json:"generate_type"`
}

type historyOption struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type genVideoParam struct {
	Type              string           `json:"type"`
	ID                string           `json:"id"`
	TextToVideoParams textToVideoParam `json:"text_to_video_params"`
	VideoTaskExtra    string           `json:"video_task_extra"`
}

type textToVideoParam struct {
	Type             string          `json:"type"`
	ID               string          `json:"id"`
	VideoGenInputs   []videoGenInput `json:"video_gen_inputs"`
	VideoAspectRatio string          `json:"video_aspect_ratio"`
	Seed             int64           `json:"seed"`
	ModelReqKey      string          `json:"model_req_key"`
	Priority         int             `json:"priority"`
}

type videoGenInput struct {
	Type            string    `json:"type"`
	ID              string    `json:"id"`
	MinVersion      string    `json:"min_version"`
	Prompt          string    `json:"prompt"`
	FirstFrameImage *imageRef `json:"first_frame_image,omitempty"`
	VideoMode       int       `json:"video_mode"`
	FPS             int       `json:"fps"`
	DurationMS      int       `json:"duration_ms"`
	Resolution      string    `json:"resolution"`
}

// metricsExtra mirrors the telemetry envelope the web client attaches to each
// submission. Field casing follows the upstream JS conventions.
type metricsExtra struct {
	PromptSource     string    `json:"promptSource"`
	GenerateCount    int       `json:"generateCount"`
	EnterFrom        string    `json:"enterFrom"`
	GenerateID       string    `json:"generateId"`
	IsRegenerate     bool      `json:"isRegenerate"`
	OriginSubmitID   string    `json:"originSubmitId"`
	IsDefaultSeed    int       `json:"isDefaultSeed"`
	OriginTemplateID string    `json:"originTemplateId"`
	IsUseAiGenPrompt bool      `json:"isUseAiGenPrompt"`
	BatchNumber      int       `json:"batchNumber"`
	Scene            string    `json:"scene"`
	ResolutionType   string    `json:"resolutionType"`
	AbilityStrengths []float64 `json:"abilityStrengths,omitempty"`
}

// BuildImageEnvelope assembles the generate body for text2img, multi-image,
// and blend (image composition) jobs.
func BuildImageEnvelope(ep Endpoints, job domain.GenerationJob) (GenerateEnvelope, error) {
	core := coreParam{
		ID:             uuid.NewString(),
		Model:          job.ModelCode,
		Prompt:         job.Prompt,
		NegativePrompt: job.NegativePrompt,
		Seed:           job.Seed,
		SampleStrength: job.SampleStrength,
		ImageRatio:     1,
		LargeImageInfo: largeImageInfo{
			ID:             uuid.NewString(),
			Width:          job.Resolution.Width,
			Height:         job.Resolution.Height,
			ResolutionType: job.Resolution.Type,
		},
		IntelligentRatio: job.IntelligentRatio,
	}

	comp := component{
		Type:       "image_base_component",
		ID:         job.ComponentID,
		MinVersion: draftMinVersion,
		AIGCMode:   aigcModeBench,
		Abilities:  abilities{ID: uuid.NewString()},
	}

	me := metricsExtra{
		PromptSource:   "custom",
		GenerateCount:  1,
		EnterFrom:      "click",
		GenerateID:     job.SubmitID,
		IsDefaultSeed:  boolToInt(job.Seed == 0),
		BatchNumber:    1,
		Scene:          sceneBasic,
		ResolutionType: job.Resolution.Type,
	}

	switch job.Mode {
	case domain.ModeBlend:
		comp.GenerateType = "blend"
		bp := &blendParam{
			ID:            uuid.NewString(),
			CoreParam:     core,
			PosteditParam: posteditParam{ID: uuid.NewString()},
			HistoryOption: historyOption{ID: uuid.NewString()},
		}
		for i, uri := range job.UploadedImages {
			bp.AbilityList = append(bp.AbilityList, blendAbility{
				ID:           uuid.NewString(),
				Name:         "byte_edit",
				ImageURIList: []string{uri},
				ImageList: []imageRef{{
					Type:         "image",
					ID:           uuid.NewString(),
					SourceFrom:   "upload",
					PlatformType: 1,
					ImageURI:     uri,
					URI:          uri,
				}},
				Strength: job.SampleStrength,
			})
			bp.PromptPlaceholderInfoList = append(bp.PromptPlaceholderInfoList, promptPlaceholderInfo{
				ID:           uuid.NewString(),
				AbilityIndex: i,
			})
			me.AbilityStrengths = append(me.AbilityStrengths, job.SampleStrength)
		}
		comp.Abilities.Blend = bp
		me.Scene = sceneBlend
	case domain.ModeMultiImage:
		comp.GenerateType = "generate"
		comp.Abilities.Generate = &generateParam{
			ID:            uuid.NewString(),
			CoreParam:     core,
			HistoryOption: historyOption{ID: uuid.NewString()},
		}
		me.Scene = sceneMulti
		me.GenerateCount = job.ExpectedItems
	case domain.ModeText2Image:
		comp.GenerateType = "generate"
		comp.Abilities.Generate = &generateParam{
			ID:            uuid.NewString(),
			CoreParam:     core,
			HistoryOption: historyOption{ID: uuid.NewString()},
		}
	default:
		return GenerateEnvelope{}, fmt.Errorf("op=dreamina.BuildImageEnvelope: mode %q is not an image mode: %w", job.Mode, domain.ErrInvalidRequest)
	}

	return wrapEnvelope(ep, job, comp, me)
}

// BuildVideoEnvelope assembles the generate body for img2video jobs. The
// text-to-video envelope doubles for first-frame-driven generation.
func BuildVideoEnvelope(ep Endpoints, job domain.GenerationJob) (GenerateEnvelope, error) {
	if job.Mode != domain.ModeImage2Video {
		return GenerateEnvelope{}, fmt.Errorf("op=dreamina.BuildVideoEnvelope: mode %q is not a video mode: %w", job.Mode, domain.ErrInvalidRequest)
	}
	me := metricsExtra{
		PromptSource:   "custom",
		GenerateCount:  1,
		EnterFrom:      "click",
		GenerateID:     job.SubmitID,
		IsDefaultSeed:  boolToInt(job.Seed == 0),
		BatchNumber:    1,
		Scene:          sceneVideo,
		ResolutionType: job.Resolution.Type,
	}
	meBytes, err := json.Marshal(me)
	if err != nil {
		return GenerateEnvelope{}, fmt.Errorf("op=dreamina.BuildVideoEnvelope: %w", err)
	}

	input := videoGenInput{
		ID:         uuid.NewString(),
		MinVersion: videoMinVersion,
		Prompt:     job.Prompt,
		VideoMode:  2,
		FPS:        24,
		DurationMS: job.VideoDurationMS,
		Resolution: videoResolution(job.Resolution),
	}
	if len(job.UploadedImages) > 0 {
		input.FirstFrameImage = &imageRef{
			Type:         "image",
			ID:           uuid.NewString(),
			SourceFrom:   "upload",
			PlatformType: 1,
			ImageURI:     job.UploadedImages[0],
			URI:          job.UploadedImages[0],
		}
	}

	comp := component{
		Type:         "video_base_component",
		ID:           job.ComponentID,
		MinVersion:   videoMinVersion,
		GenerateType: "gen_video",
		AIGCMode:     aigcModeBench,
		Abilities: abilities{
			ID: uuid.NewString(),
			GenVideo: &genVideoParam{
				ID: uuid.NewString(),
				TextToVideoParams: textToVideoParam{
					ID:               uuid.NewString(),
					VideoGenInputs:   []videoGenInput{input},
					VideoAspectRatio: aspectRatio(job.Resolution.Width, job.Resolution.Height),
					Seed:             job.Seed,
					ModelReqKey:      job.ModelCode,
				},
				VideoTaskExtra: string(meBytes),
			},
		},
	}

	return wrapEnvelope(ep, job, comp, me)
}

// BabiParam is the query-string sidecar the web client sends with generate.
func BabiParam(job domain.GenerationJob) string {
	featureKey := "aigc_to_image"
	if job.Mode == domain.ModeImage2Video {
		featureKey = "text_to_video"
	}
	b, _ := json.Marshal(map[string]string{
		"scenario":                "image_video_generation",
		"feature_key":             featureKey,
		"feature_entrance":        "to_image",
		"feature_entrance_detail": "to_image-" + job.ModelCode,
	})
	return string(b)
}

func wrapEnvelope(ep Endpoints, job domain.GenerationJob, comp component, me metricsExtra) (GenerateEnvelope, error) {
	d := draft{
		Type:            "draft",
		ID:              uuid.NewString(),
		MinVersion:      draftMinVersion,
		MinFeatures:     []string{},
		IsFromTSN:       true,
		Version:         draftVersion,
		MainComponentID: comp.ID,
		ComponentList:   []component{comp},
	}
	draftBytes, err := json.Marshal(d)
	if err != nil {
		return GenerateEnvelope{}, fmt.Errorf("op=dreamina.wrapEnvelope: %w", err)
	}
	meBytes, err := json.Marshal(me)
	if err != nil {
		return GenerateEnvelope{}, fmt.Errorf("op=dreamina.wrapEnvelope: %w", err)
	}
	return GenerateEnvelope{
		Extend:         ExtendInfo{RootModel: job.ModelCode},
		SubmitID:       job.SubmitID,
		MetricsExtra:   string(meBytes),
		DraftContent:   string(draftBytes),
		HTTPCommonInfo: HTTPCommonInfo{AID: ep.AID},
	}, nil
}

// videoResolution maps the resolved size onto the tiers the video pipeline
// accepts; anything without a tier renders at 720p.
func videoResolution(res domain.ResolutionInfo) string {
	if _, ok := resolutionTiers[res.Type]; ok {
		return res.Type
	}
	return "720p"
}

func aspectRatio(w, h int) string {
	if w <= 0 || h <= 0 {
		return "1:1"
	}
	g := gcd(w, h)
	return fmt.Sprintf("%d:%d", w/g, h/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
