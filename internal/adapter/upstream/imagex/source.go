package imagex

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
	"github.com/fairyhunter13/jimeng-gateway/pkg/datauri"
)

// maxSourceBytes caps how much image data a single source may yield. The
// upstream store rejects larger blobs anyway.
const maxSourceBytes = 20 << 20

// resolveSource turns a client-supplied image reference into raw bytes.
// Accepted forms: http(s) URL, base64 data URI, bare base64. The bytes are
// sniffed and anything that is not an image is rejected.
func (u *Uploader) resolveSource(ctx domain.Context, src string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		data, err = u.fetchURL(ctx, src)
	case datauri.IsDataURI(src):
		_, data, err = datauri.Parse(src)
		if err != nil {
			err = fmt.Errorf("op=imagex.resolveSource: %v: %w", err, domain.ErrInvalidRequest)
		}
	default:
		data, err = datauri.DecodeBase64(src)
		if err != nil {
			err = fmt.Errorf("op=imagex.resolveSource: not a url, data uri, or base64: %w", domain.ErrInvalidRequest)
		}
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("op=imagex.resolveSource: empty image data: %w", domain.ErrInvalidRequest)
	}
	if mt := mimetype.Detect(data); !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("op=imagex.resolveSource: %s is not an image: %w", mt.String(), domain.ErrInvalidRequest)
	}
	return data, nil
}

func (u *Uploader) fetchURL(ctx domain.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("op=imagex.fetchURL: %w", domain.ErrInvalidRequest)
	}
	resp, err := u.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=imagex.fetchURL: %w: %v", domain.ErrUploadNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=imagex.fetchURL: status %d: %w", resp.StatusCode, domain.ErrInvalidRequest)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("op=imagex.fetchURL: read body: %w: %v", domain.ErrUploadNetwork, err)
	}
	if len(data) > maxSourceBytes {
		return nil, fmt.Errorf("op=imagex.fetchURL: source exceeds %d bytes: %w", maxSourceBytes, domain.ErrInvalidRequest)
	}
	return data, nil
}
