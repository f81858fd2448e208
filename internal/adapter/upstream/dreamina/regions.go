// Package dreamina implements the generation backend against the
// Jimeng/Dreamina web API: draft submission, history polling, commerce
// credit, and the per-region request decoration the web client performs.
package dreamina

import (
	"strings"

	"github.com/fairyhunter13/jimeng-gateway/internal/config"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// Endpoints is the per-region upstream surface.
type Endpoints struct {
	APIBase      string // aigc draft + history + upload token
	CommerceBase string // benefits/credit
	Origin       string // Origin/Referer the web client presents
	AID          int    // application id, rides every query string
	AppVersion   string // feeds the sign header
	RegionParam  string // value of the region query parameter
}

const appVersion = "5.8.0"

var defaultEndpoints = map[domain.Region]Endpoints{
	domain.RegionCN: {
		APIBase:      "https://jimeng.jianying.com",
		CommerceBase: "https://jimeng.jianying.com",
		Origin:       "https://jimeng.jianying.com",
		AID:          513695,
		AppVersion:   appVersion,
		RegionParam:  "CN",
	},
	domain.RegionUS: {
		APIBase:      "https://dreamina-va.capcut.com",
		CommerceBase: "https://commerce-va.capcut.com",
		Origin:       "https://dreamina.capcut.com",
		AID:          513641,
		AppVersion:   appVersion,
		RegionParam:  "US",
	},
	domain.RegionHK: {
		APIBase:      "https://dreamina-sg.capcut.com",
		CommerceBase: "https://commerce-sg.capcut.com",
		Origin:       "https://dreamina.capcut.com",
		AID:          513641,
		AppVersion:   appVersion,
		RegionParam:  "HK",
	},
}

// EndpointsFor returns the endpoint set for a region with mirror overrides
// from configuration applied. Unknown regions fall back to CN.
func EndpointsFor(cfg config.Config, region domain.Region) Endpoints {
	ep, ok := defaultEndpoints[region]
	if !ok {
		ep = defaultEndpoints[domain.RegionCN]
	}
	switch region {
	case domain.RegionUS:
		if cfg.DreaminaUSMirror != "" {
			ep.APIBase = strings.TrimRight(cfg.DreaminaUSMirror, "/")
		}
		if cfg.CommerceUSMirror != "" {
			ep.CommerceBase = strings.TrimRight(cfg.CommerceUSMirror, "/")
		}
	case domain.RegionHK:
		if cfg.DreaminaHKMirror != "" {
			ep.APIBase = strings.TrimRight(cfg.DreaminaHKMirror, "/")
		}
		if cfg.CommerceHKMirror != "" {
			ep.CommerceBase = strings.TrimRight(cfg.CommerceHKMirror, "/")
		}
	default:
		if cfg.JimengCNMirror != "" {
			base := strings.TrimRight(cfg.JimengCNMirror, "/")
			ep.APIBase = base
			ep.CommerceBase = base
		}
	}
	return ep
}
