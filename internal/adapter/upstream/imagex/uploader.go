// Package imagex pushes reference images into the upstream blob store via the
// signed apply/put/commit handshake. The store speaks an AWS-compatible API;
// requests are SigV4-signed with a short-lived STS credential minted through
// the web session.
package imagex

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/upstream/dreamina"
	"github.com/fairyhunter13/jimeng-gateway/internal/config"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

const (
	apiVersion  = "2018-08-01"
	uriStatusOK = 2000

	// uploadPause spaces sequential uploads within one batch; the edge hosts
	// throttle sessions that push blobs back to back.
	uploadPause = 2 * time.Second

	// maxAttempts caps put/commit tries. Waits grow linearly per attempt:
	// attempt*retryStep normally, attempt*networkStep after transport errors.
	maxAttempts    = 3
	attemptTimeout = 30 * time.Second
	retryStep      = 2 * time.Second
	networkStep    = 3 * time.Second
)

// TokenSource mints the temporary STS credential the signed store calls use.
// *dreamina.Client satisfies it.
type TokenSource interface {
	FetchUploadToken(ctx domain.Context, cred domain.Credential) (dreamina.UploadToken, error)
}

// Uploader implements domain.AssetUploader against the regional imagex store.
type Uploader struct {
	cfg    config.Config
	tokens TokenSource
	hc     *http.Client
	signer *v4.Signer
	now    func() time.Time

	// pacing knobs; tests narrow them
	pause      time.Duration
	perAttempt time.Duration
	step       time.Duration
	netStep    time.Duration
}

// New constructs the uploader. hc is the shared upstream HTTP client so
// uploads ride the same proxy and timeout settings as the API calls.
func New(cfg config.Config, tokens TokenSource, hc *http.Client) *Uploader {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Uploader{
		cfg:        cfg,
		tokens:     tokens,
		hc:         hc,
		signer:     v4.NewSigner(),
		now:        time.Now,
		pause:      uploadPause,
		perAttempt: attemptTimeout,
		step:       retryStep,
		netStep:    networkStep,
	}
}

// storeInfo is one reserved slot from ApplyImageUpload.
type storeInfo struct {
	StoreURI string `json:"StoreUri"`
	Auth     string `json:"Auth"`
}

// uploadAddress is the usable part of the ApplyImageUpload result.
type uploadAddress struct {
	StoreInfos  []storeInfo `json:"StoreInfos"`
	UploadHosts []string    `json:"UploadHosts"`
	SessionKey  string      `json:"SessionKey"`
}

// storeError is the AWS-style error object some responses carry inside
// ResponseMetadata even on HTTP 200.
type storeError struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

// UploadAll implements domain.AssetUploader. Sources upload one at a time
// with a fixed pause in between; the STS token is minted once per batch.
func (u *Uploader) UploadAll(ctx domain.Context, cred domain.Credential, sources []string) ([]string, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	tok, err := u.tokens.FetchUploadToken(ctx, cred)
	if err != nil {
		return nil, err
	}
	ep := EndpointsFor(u.cfg, cred.Region)
	if tok.ServiceID == "" {
		tok.ServiceID = ep.ServiceID
	}

	uris := make([]string, 0, len(sources))
	for i, src := range sources {
		if i > 0 {
			if err := sleepCtx(ctx, u.pause); err != nil {
				return nil, wrapUploadErr("UploadAll", err)
			}
		}
		uri, err := u.uploadOne(ctx, cred.Region, ep, tok, src)
		if err != nil {
			observability.UploadsTotal.WithLabelValues(string(cred.Region), "failure").Inc()
			return nil, err
		}
		observability.UploadsTotal.WithLabelValues(string(cred.Region), "success").Inc()
		uris = append(uris, uri)
	}
	return uris, nil
}

func (u *Uploader) uploadOne(ctx domain.Context, region domain.Region, ep Endpoints, tok dreamina.UploadToken, src string) (string, error) {
	data, err := u.resolveSource(ctx, src)
	if err != nil {
		return "", err
	}
	addr, err := u.applyUpload(ctx, region, ep, tok, len(data))
	if err != nil {
		return "", err
	}
	store := addr.StoreInfos[0]
	if err := u.putImage(ctx, region, addr.UploadHosts[0], store, data); err != nil {
		return "", err
	}
	uri, err := u.commitUpload(ctx, region, ep, tok, addr.SessionKey)
	if err != nil {
		return "", err
	}
	slog.Info("image uploaded",
		slog.String("store_uri", store.StoreURI),
		slog.String("region", string(region)),
		slog.Int("bytes", len(data)))
	return uri, nil
}

// applyUpload reserves a store slot. It runs once per source: a rejected
// apply means the token or signature is bad and a retry cannot fix it.
func (u *Uploader) applyUpload(ctx domain.Context, region domain.Region, ep Endpoints, tok dreamina.UploadToken, size int) (uploadAddress, error) {
	actx, cancel := context.WithTimeout(ctx, u.perAttempt)
	defer cancel()

	q := url.Values{}
	q.Set("Action", "ApplyImageUpload")
	q.Set("Version", apiVersion)
	q.Set("ServiceId", tok.ServiceID)
	q.Set("FileSize", strconv.Itoa(size))
	req, err := http.NewRequestWithContext(actx, http.MethodGet, ep.Base+"/?"+q.Encode(), nil)
	if err != nil {
		return uploadAddress{}, fmt.Errorf("op=imagex.applyUpload: %w", err)
	}
	if err := u.sign(actx, req, tok, ep, nil); err != nil {
		return uploadAddress{}, err
	}

	start := time.Now()
	resp, err := u.hc.Do(req)
	observability.ObserveUpstream(string(region), "apply_upload", time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return uploadAddress{}, fmt.Errorf("op=imagex.applyUpload: attempt timeout: %w", domain.ErrUploadTimeout)
		}
		return uploadAddress{}, fmt.Errorf("op=imagex.applyUpload: %w: %v", domain.ErrUploadNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return uploadAddress{}, fmt.Errorf("op=imagex.applyUpload: read body: %w: %v", domain.ErrUploadNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("imagex apply rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet(body)))
		return uploadAddress{}, fmt.Errorf("op=imagex.applyUpload: status %d: %w", resp.StatusCode, domain.ErrUploadAuth)
	}

	var out struct {
		Result struct {
			UploadAddress uploadAddress `json:"UploadAddress"`
		} `json:"Result"`
		ResponseMetadata struct {
			Error *storeError `json:"Error"`
		} `json:"ResponseMetadata"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return uploadAddress{}, fmt.Errorf("op=imagex.applyUpload: decode: %w", domain.ErrUploadAuth)
	}
	if e := out.ResponseMetadata.Error; e != nil {
		return uploadAddress{}, fmt.Errorf("op=imagex.applyUpload: %s %s: %w", e.Code, e.Message, domain.ErrUploadAuth)
	}
	addr := out.Result.UploadAddress
	if len(addr.StoreInfos) == 0 || len(addr.UploadHosts) == 0 || addr.SessionKey == "" {
		return uploadAddress{}, fmt.Errorf("op=imagex.applyUpload: incomplete upload address: %w", domain.ErrUploadAuth)
	}
	return addr, nil
}

// putImage streams the blob to the edge host with the store-issued Auth
// header and an IEEE CRC32 over the payload.
func (u *Uploader) putImage(ctx domain.Context, region domain.Region, host string, store storeInfo, data []byte) error {
	crc := fmt.Sprintf("%08x", crc32.ChecksumIEEE(data))
	lb := &linearBackOff{step: u.step, max: maxAttempts}

	op := func() error {
		lb.step = u.step
		actx, cancel := context.WithTimeout(ctx, u.perAttempt)
		defer cancel()

		target := hostURL(host) + "/upload/v1/" + store.StoreURI
		req, err := http.NewRequestWithContext(actx, http.MethodPost, target, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=imagex.putImage: %w", err))
		}
		req.Header.Set("Authorization", store.Auth)
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-CRC32", crc)

		start := time.Now()
		resp, err := u.hc.Do(req)
		observability.ObserveUpstream(string(region), "put_image", time.Since(start))
		if err != nil {
			lb.step = u.netStep
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("op=imagex.putImage: attempt timeout: %w", domain.ErrUploadTimeout)
			}
			return fmt.Errorf("op=imagex.putImage: %w: %v", domain.ErrUploadNetwork, err)
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return backoff.Permanent(fmt.Errorf("op=imagex.putImage: status %d: %w", resp.StatusCode, domain.ErrUploadAuth))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Warn("imagex put rejected",
				slog.Int("status", resp.StatusCode),
				slog.String("store_uri", store.StoreURI),
				slog.String("body", snippet(body)))
			return fmt.Errorf("op=imagex.putImage: status %d: %w", resp.StatusCode, domain.ErrUploadNetwork)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(lb, ctx)); err != nil {
		return wrapUploadErr("putImage", err)
	}
	return nil
}

// commitUpload finalizes the reserved slot. The request is re-signed on
// every attempt since the signature covers the timestamp.
func (u *Uploader) commitUpload(ctx domain.Context, region domain.Region, ep Endpoints, tok dreamina.UploadToken, sessionKey string) (string, error) {
	payload, err := json.Marshal(map[string]string{"SessionKey": sessionKey})
	if err != nil {
		return "", fmt.Errorf("op=imagex.commitUpload: %w", err)
	}
	lb := &linearBackOff{step: u.step, max: maxAttempts}

	var uri string
	op := func() error {
		lb.step = u.step
		actx, cancel := context.WithTimeout(ctx, u.perAttempt)
		defer cancel()

		q := url.Values{}
		q.Set("Action", "CommitImageUpload")
		q.Set("Version", apiVersion)
		q.Set("ServiceId", tok.ServiceID)
		req, err := http.NewRequestWithContext(actx, http.MethodPost, ep.Base+"/?"+q.Encode(), bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=imagex.commitUpload: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if err := u.sign(actx, req, tok, ep, payload); err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		resp, err := u.hc.Do(req)
		observability.ObserveUpstream(string(region), "commit_upload", time.Since(start))
		if err != nil {
			lb.step = u.netStep
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("op=imagex.commitUpload: attempt timeout: %w", domain.ErrUploadTimeout)
			}
			return fmt.Errorf("op=imagex.commitUpload: %w: %v", domain.ErrUploadNetwork, err)
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			lb.step = u.netStep
			return fmt.Errorf("op=imagex.commitUpload: read body: %w: %v", domain.ErrUploadNetwork, err)
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return backoff.Permanent(fmt.Errorf("op=imagex.commitUpload: status %d: %w", resp.StatusCode, domain.ErrUploadAuth))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Warn("imagex commit rejected",
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(body)))
			return fmt.Errorf("op=imagex.commitUpload: status %d: %w", resp.StatusCode, domain.ErrUploadCommit)
		}

		var out struct {
			Result struct {
				Results []struct {
					URI       string `json:"Uri"`
					URIStatus int    `json:"UriStatus"`
				} `json:"Results"`
			} `json:"Result"`
			ResponseMetadata struct {
				Error *storeError `json:"Error"`
			} `json:"ResponseMetadata"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("op=imagex.commitUpload: decode: %w", domain.ErrUploadCommit)
		}
		if e := out.ResponseMetadata.Error; e != nil {
			return fmt.Errorf("op=imagex.commitUpload: %s %s: %w", e.Code, e.Message, domain.ErrUploadCommit)
		}
		if len(out.Result.Results) == 0 || out.Result.Results[0].URIStatus != uriStatusOK {
			return fmt.Errorf("op=imagex.commitUpload: uri not committed: %w", domain.ErrUploadCommit)
		}
		uri = out.Result.Results[0].URI
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(lb, ctx)); err != nil {
		return "", wrapUploadErr("commitUpload", err)
	}
	return uri, nil
}

// sign applies SigV4 over the request: the payload sha256 is pinned in
// X-Amz-Content-Sha256 and the STS session token is signed in.
func (u *Uploader) sign(ctx context.Context, req *http.Request, tok dreamina.UploadToken, ep Endpoints, payload []byte) error {
	sum := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	creds := aws.Credentials{
		AccessKeyID:     tok.AccessKey,
		SecretAccessKey: tok.SecretKey,
		SessionToken:    tok.SessionToken,
	}
	if err := u.signer.SignHTTP(ctx, creds, req, payloadHash, signingService, ep.AWSRegion, u.now().UTC()); err != nil {
		return fmt.Errorf("op=imagex.sign: %w: %v", domain.ErrUploadAuth, err)
	}
	return nil
}

// linearBackOff yields attempt*step waits and stops once the attempt budget
// is spent. The step is widened by the operation when the previous failure
// was transport-level.
type linearBackOff struct {
	step    time.Duration
	attempt int
	max     int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.max-1 {
		return backoff.Stop
	}
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// wrapUploadErr maps raw context errors surfacing from retries onto the
// upload error taxonomy.
func wrapUploadErr(opName string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("op=imagex.%s: %w", opName, domain.ErrUploadTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("op=imagex.%s: %w", opName, domain.ErrCancelled)
	}
	return err
}

func hostURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
