package imagex

import (
	"github.com/fairyhunter13/jimeng-gateway/internal/config"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// Endpoints binds a credential region to its imagex cluster: the API host the
// signed apply/commit calls go to, the AWS-style signing region, and the
// service id to fall back to when the minted token does not carry one.
type Endpoints struct {
	Base      string
	AWSRegion string
	ServiceID string
}

const signingService = "imagex"

var defaultEndpoints = map[domain.Region]Endpoints{
	domain.RegionCN: {
		Base:      "https://imagex.bytedanceapi.com",
		AWSRegion: "cn-north-1",
		ServiceID: "tb4s082cfz",
	},
	domain.RegionUS: {
		Base:      "https://imagex-va.bytedanceapi.com",
		AWSRegion: "us-east-1",
		ServiceID: "vfuyckg9zk",
	},
	domain.RegionHK: {
		Base:      "https://imagex-sg.bytedanceapi.com",
		AWSRegion: "ap-singapore-1",
		ServiceID: "a9rns2rl98",
	},
}

// EndpointsFor resolves the imagex endpoints for a region, applying mirror
// overrides from config. Unknown regions fall back to CN.
func EndpointsFor(cfg config.Config, region domain.Region) Endpoints {
	ep, ok := defaultEndpoints[region]
	if !ok {
		ep = defaultEndpoints[domain.RegionCN]
	}
	switch region {
	case domain.RegionUS:
		if cfg.ImagexUSMirror != "" {
			ep.Base = cfg.ImagexUSMirror
		}
	case domain.RegionHK:
		if cfg.ImagexHKMirror != "" {
			ep.Base = cfg.ImagexHKMirror
		}
	default:
		if cfg.ImagexCNMirror != "" {
			ep.Base = cfg.ImagexCNMirror
		}
	}
	return ep
}
