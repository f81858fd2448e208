package dreamina

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// imageModels maps user-facing model ids to upstream request codes per region.
// CN carries the full lineup; the international clusters trail by a version.
var imageModels = map[domain.Region]map[string]string{
	domain.RegionCN: {
		"jimeng-4.5": "high_aes_general_v45:general_v4.5",
		"jimeng-4.0": "high_aes_general_v40:general_v4.0",
		"jimeng-3.1": "high_aes_general_v30l_art:general_v3.0_18b",
		"jimeng-3.0": "high_aes_general_v30l:general_v3.0_18b",
		"jimeng-2.1": "high_aes_general_v21_L:general_v2.1_L",
	},
	domain.RegionUS: {
		"jimeng-3.0": "high_aes_general_v30l:general_v3.0_18b",
		"jimeng-2.1": "high_aes_general_v21_L:general_v2.1_L",
	},
	domain.RegionHK: {
		"jimeng-3.0": "high_aes_general_v30l:general_v3.0_18b",
		"jimeng-2.1": "high_aes_general_v21_L:general_v2.1_L",
	},
}

// videoModels is the video lineup per region.
var videoModels = map[domain.Region]map[string]string{
	domain.RegionCN: {
		"jimeng-video-3.0": "dreamina_ic_generate_video_model_vgfm_3.0",
		"jimeng-video-2.0": "dreamina_ic_generate_video_model_vgfm_2.0",
	},
	domain.RegionUS: {
		"jimeng-video-3.0": "dreamina_ic_generate_video_model_vgfm_3.0",
	},
	domain.RegionHK: {
		"jimeng-video-3.0": "dreamina_ic_generate_video_model_vgfm_3.0",
	},
}

// defaultImageModel / defaultVideoModel per region.
var defaultImageModel = map[domain.Region]string{
	domain.RegionCN: "jimeng-4.5",
	domain.RegionUS: "jimeng-3.0",
	domain.RegionHK: "jimeng-3.0",
}

var defaultVideoModel = map[domain.Region]string{
	domain.RegionCN: "jimeng-video-3.0",
	domain.RegionUS: "jimeng-video-3.0",
	domain.RegionHK: "jimeng-video-3.0",
}

// forcedResolutions pins the output size for models that only render square.
var forcedResolutions = map[domain.Region]map[string]domain.ResolutionInfo{
	domain.RegionCN: {
		"jimeng-2.1": {Width: 1024, Height: 1024, Type: "1k", Forced: true},
	},
	domain.RegionUS: {
		"jimeng-2.1": {Width: 1024, Height: 1024, Type: "1k", Forced: true},
		"jimeng-3.0": {Width: 1024, Height: 1024, Type: "1k", Forced: true},
	},
	domain.RegionHK: {
		"jimeng-2.1": {Width: 1024, Height: 1024, Type: "1k", Forced: true},
		"jimeng-3.0": {Width: 1024, Height: 1024, Type: "1k", Forced: true},
	},
}

// resolutionTiers maps tier names to the short-edge pixel count.
var resolutionTiers = map[string]int{
	"480p":  480,
	"720p":  720,
	"1080p": 1080,
	"2k":    1440,
}

var defaultResolution = domain.ResolutionInfo{Width: 1024, Height: 1024, Type: "1k"}

// ResolveModel maps the user-facing model id to the upstream code for the
// region. An empty model selects the region default. A model unavailable in
// the region but equal to another region's default substitutes this region's
// default instead of erroring; anything else is ErrUnsupportedModel.
func ResolveModel(region domain.Region, model string, video bool) (userModel, code string, err error) {
	table := imageModels[region]
	def := defaultImageModel[region]
	defaults := defaultImageModel
	if video {
		table = videoModels[region]
		def = defaultVideoModel[region]
		defaults = defaultVideoModel
	}
	if model == "" {
		model = def
	}
	if code, ok := table[model]; ok {
		return model, code, nil
	}
	// Cross-region default substitution: a client configured for another
	// region's default gets this region's default rather than an error.
	for _, otherDefault := range defaults {
		if model == otherDefault {
			return def, table[def], nil
		}
	}
	return "", "", fmt.Errorf("op=dreamina.ResolveModel: model %q not available in region %s: %w", model, region, domain.ErrUnsupportedModel)
}

// ModelsFor lists the user-facing model ids available in a region, image
// models first. Used by the models listing endpoint.
func ModelsFor(region domain.Region) []string {
	out := make([]string, 0, len(imageModels[region])+len(videoModels[region]))
	for _, m := range []string{"jimeng-4.5", "jimeng-4.0", "jimeng-3.1", "jimeng-3.0", "jimeng-2.1"} {
		if _, ok := imageModels[region][m]; ok {
			out = append(out, m)
		}
	}
	for _, m := range []string{"jimeng-video-3.0", "jimeng-video-2.0"} {
		if _, ok := videoModels[region][m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// ResolveResolution applies the sizing rules: a forced model size wins, then
// ratio x tier preserving the aspect with edges rounded to multiples of 8,
// and degenerate inputs fall back to the 1024x1024 region default.
func ResolveResolution(region domain.Region, model, ratio, tier string) domain.ResolutionInfo {
	if forced, ok := forcedResolutions[region][model]; ok {
		return forced
	}
	w, h, ok := parseRatio(ratio)
	if !ok {
		return defaultResolution
	}
	short, ok := resolutionTiers[strings.ToLower(tier)]
	if !ok {
		if tier != "" {
			return defaultResolution
		}
		short = 1024 // no tier requested: default short edge
	}
	var res domain.ResolutionInfo
	if w >= h {
		res.Height = short
		res.Width = roundTo8(short * w / h)
	} else {
		res.Width = short
		res.Height = roundTo8(short * h / w)
	}
	res.Type = strings.ToLower(tier)
	if res.Type == "" {
		res.Type = "1k"
	}
	return res
}

func parseRatio(s string) (w, h int, ok bool) {
	if s == "" {
		return 0, 0, false
	}
	a, b, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(a))
	h, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

func roundTo8(n int) int {
	r := (n + 4) / 8 * 8
	if r < 8 {
		return 8
	}
	return r
}
