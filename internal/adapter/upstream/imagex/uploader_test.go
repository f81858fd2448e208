package imagex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/upstream/dreamina"
	"github.com/fairyhunter13/jimeng-gateway/internal/config"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// pngBytes is a PNG magic prefix, enough for the content sniffer.
var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}

type staticTokens struct {
	tok dreamina.UploadToken
	err error
}

func (s staticTokens) FetchUploadToken(_ domain.Context, _ domain.Credential) (dreamina.UploadToken, error) {
	return s.tok, s.err
}

// fakeStore emulates the imagex API plus one upload host on a single server.
type fakeStore struct {
	srv *httptest.Server

	storeURI   string
	auth       string
	sessionKey string

	applyCalls  int
	putCalls    int
	commitCalls int

	// Failure scripting. applyStatus forces the apply HTTP status when
	// non-zero and putStatuses is consumed one per put call. commitHook may
	// take over a commit response; returning true means it wrote one.
	applyStatus int
	putStatuses []int
	commitHook  func(w http.ResponseWriter, call int) bool

	lastApplyQuery  url.Values
	lastApplyHeader http.Header
	lastPutHeader   http.Header
	lastPutBody     []byte
	lastCommitBody  []byte
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	fs := &fakeStore{
		storeURI:   "proj/0123456789abcdef",
		auth:       "store-auth-token",
		sessionKey: "session-key-1",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/v1/", fs.handlePut)
	mux.HandleFunc("/", fs.handleAPI)
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeStore) handleAPI(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("Action") {
	case "ApplyImageUpload":
		fs.applyCalls++
		fs.lastApplyQuery = r.URL.Query()
		fs.lastApplyHeader = r.Header.Clone()
		if fs.applyStatus != 0 {
			w.WriteHeader(fs.applyStatus)
			return
		}
		fmt.Fprintf(w, `{"Result":{"UploadAddress":{"StoreInfos":[{"StoreUri":%q,"Auth":%q}],"UploadHosts":[%q],"SessionKey":%q}}}`,
			fs.storeURI, fs.auth, fs.srv.URL, fs.sessionKey)
	case "CommitImageUpload":
		fs.commitCalls++
		fs.lastCommitBody, _ = io.ReadAll(r.Body)
		if fs.commitHook != nil && fs.commitHook(w, fs.commitCalls) {
			return
		}
		fmt.Fprintf(w, `{"Result":{"Results":[{"Uri":%q,"UriStatus":2000}]}}`, fs.storeURI)
	default:
		http.NotFound(w, r)
	}
}

func (fs *fakeStore) handlePut(w http.ResponseWriter, r *http.Request) {
	fs.putCalls++
	fs.lastPutHeader = r.Header.Clone()
	fs.lastPutBody, _ = io.ReadAll(r.Body)
	if len(fs.putStatuses) > 0 {
		code := fs.putStatuses[0]
		fs.putStatuses = fs.putStatuses[1:]
		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func testUploader(t *testing.T, fs *fakeStore) (*Uploader, domain.Credential) {
	t.Helper()
	cfg := config.Config{
		ImagexCNMirror:  fs.srv.URL,
		UpstreamTimeout: 5 * time.Second,
	}
	tokens := staticTokens{tok: dreamina.UploadToken{
		AccessKey:    "AKTEST",
		SecretKey:    "SKTEST",
		SessionToken: "STTEST",
		ServiceID:    "svc-test",
	}}
	u := New(cfg, tokens, fs.srv.Client())
	u.pause = time.Millisecond
	u.step = time.Millisecond
	u.netStep = time.Millisecond
	cred := domain.Credential{Token: "refresh-token-1", Region: domain.RegionCN, SessionID: "session_0011223344556677"}
	return u, cred
}

func TestUploadAllHappyPath(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	u, cred := testUploader(t, fs)

	src := base64.StdEncoding.EncodeToString(pngBytes)
	uris, err := u.UploadAll(context.Background(), cred, []string{src})
	require.NoError(t, err)
	require.Equal(t, []string{fs.storeURI}, uris)

	assert.Equal(t, 1, fs.applyCalls)
	assert.Equal(t, 1, fs.putCalls)
	assert.Equal(t, 1, fs.commitCalls)

	q := fs.lastApplyQuery
	assert.Equal(t, "ApplyImageUpload", q.Get("Action"))
	assert.Equal(t, "2018-08-01", q.Get("Version"))
	assert.Equal(t, "svc-test", q.Get("ServiceId"))
	assert.Equal(t, fmt.Sprint(len(pngBytes)), q.Get("FileSize"))

	authz := fs.lastApplyHeader.Get("Authorization")
	assert.Contains(t, authz, "AWS4-HMAC-SHA256")
	assert.Contains(t, authz, "Credential=AKTEST")
	assert.Equal(t, "STTEST", fs.lastApplyHeader.Get("X-Amz-Security-Token"))
	assert.Equal(t, emptySHA256, fs.lastApplyHeader.Get("X-Amz-Content-Sha256"))
	assert.NotEmpty(t, fs.lastApplyHeader.Get("X-Amz-Date"))

	assert.Equal(t, fs.auth, fs.lastPutHeader.Get("Authorization"))
	assert.Equal(t, "application/octet-stream", fs.lastPutHeader.Get("Content-Type"))
	assert.Equal(t, fmt.Sprintf("%08x", crc32.ChecksumIEEE(pngBytes)), fs.lastPutHeader.Get("Content-CRC32"))
	assert.Equal(t, pngBytes, fs.lastPutBody)

	var commit map[string]string
	require.NoError(t, json.Unmarshal(fs.lastCommitBody, &commit))
	assert.Equal(t, fs.sessionKey, commit["SessionKey"])
}

func TestUploadAllDataURIAndURLSources(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(pngBytes)
	}))
	t.Cleanup(imgSrv.Close)
	u, cred := testUploader(t, fs)

	sources := []string{
		"data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes),
		imgSrv.URL + "/ref.png",
	}
	uris, err := u.UploadAll(context.Background(), cred, sources)
	require.NoError(t, err)
	assert.Len(t, uris, 2)
	assert.Equal(t, 2, fs.applyCalls)
	assert.Equal(t, 2, fs.commitCalls)
}

func TestUploadAllEmptySources(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	u, cred := testUploader(t, fs)

	uris, err := u.UploadAll(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Nil(t, uris)
	assert.Equal(t, 0, fs.applyCalls)
}

func TestUploadAllServiceIDFallback(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	u, cred := testUploader(t, fs)
	u.tokens = staticTokens{tok: dreamina.UploadToken{
		AccessKey:    "AKTEST",
		SecretKey:    "SKTEST",
		SessionToken: "STTEST",
	}}

	src := base64.StdEncoding.EncodeToString(pngBytes)
	_, err := u.UploadAll(context.Background(), cred, []string{src})
	require.NoError(t, err)
	assert.Equal(t, defaultEndpoints[domain.RegionCN].ServiceID, fs.lastApplyQuery.Get("ServiceId"))
}

func TestUploadAllRejectsNonImage(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	u, cred := testUploader(t, fs)

	src := base64.StdEncoding.EncodeToString([]byte("plain text, not an image"))
	_, err := u.UploadAll(context.Background(), cred, []string{src})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Equal(t, 0, fs.applyCalls)
}

func TestUploadAllApplyRejectedNoRetry(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	fs.applyStatus = http.StatusBadRequest
	u, cred := testUploader(t, fs)

	src := base64.StdEncoding.EncodeToString(pngBytes)
	_, err := u.UploadAll(context.Background(), cred, []string{src})
	require.ErrorIs(t, err, domain.ErrUploadAuth)
	assert.Equal(t, 1, fs.applyCalls)
	assert.Equal(t, 0, fs.putCalls)
}

func TestUploadAllPutRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	fs.putStatuses = []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK}
	u, cred := testUploader(t, fs)

	src := base64.StdEncoding.EncodeToString(pngBytes)
	uris, err := u.UploadAll(context.Background(), cred, []string{src})
	require.NoError(t, err)
	assert.Len(t, uris, 1)
	assert.Equal(t, 3, fs.putCalls)
	assert.Equal(t, 1, fs.commitCalls)
}

func TestUploadAllPutExhaustsAttempts(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	fs.putStatuses = []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError}
	u, cred := testUploader(t, fs)

	src := base64.StdEncoding.EncodeToString(pngBytes)
	_, err := u.UploadAll(context.Background(), cred, []string{src})
	require.ErrorIs(t, err, domain.ErrUploadNetwork)
	assert.Equal(t, 3, fs.putCalls)
	assert.Equal(t, 0, fs.commitCalls)
}

func TestUploadAllPutAuthRejectionIsPermanent(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	fs.putStatuses = []int{http.StatusForbidden}
	u, cred := testUploader(t, fs)

	src := base64.StdEncoding.EncodeToString(pngBytes)
	_, err := u.UploadAll(context.Background(), cred, []string{src})
	require.ErrorIs(t, err, domain.ErrUploadAuth)
	assert.Equal(t, 1, fs.putCalls)
}

func TestUploadAllCommitFailureRetries(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	fs.commitHook = func(w http.ResponseWriter, _ int) bool {
		fmt.Fprintf(w, `{"Result":{"Results":[{"Uri":%q,"UriStatus":2001}]}}`, fs.storeURI)
		return true
	}
	u, cred := testUploader(t, fs)

	src := base64.StdEncoding.EncodeToString(pngBytes)
	_, err := u.UploadAll(context.Background(), cred, []string{src})
	require.ErrorIs(t, err, domain.ErrUploadCommit)
	assert.Equal(t, 3, fs.commitCalls)
}

func TestUploadAllCommitRecoversOnRetry(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	fs.commitHook = func(w http.ResponseWriter, call int) bool {
		if call == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		return false
	}
	u, cred := testUploader(t, fs)

	src := base64.StdEncoding.EncodeToString(pngBytes)
	uris, err := u.UploadAll(context.Background(), cred, []string{src})
	require.NoError(t, err)
	assert.Equal(t, []string{fs.storeURI}, uris)
	assert.Equal(t, 2, fs.commitCalls)
}

func TestUploadAllCancelStopsBatch(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	u, cred := testUploader(t, fs)
	u.pause = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	src := base64.StdEncoding.EncodeToString(pngBytes)
	_, err := u.UploadAll(ctx, cred, []string{src, src})
	require.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, 1, fs.commitCalls)
}

func TestUploadAllTokenFetchErrorPropagates(t *testing.T) {
	t.Parallel()
	fs := newFakeStore(t)
	u, cred := testUploader(t, fs)
	u.tokens = staticTokens{err: fmt.Errorf("mint: %w", domain.ErrUploadAuth)}

	src := base64.StdEncoding.EncodeToString(pngBytes)
	_, err := u.UploadAll(context.Background(), cred, []string{src})
	require.ErrorIs(t, err, domain.ErrUploadAuth)
	assert.Equal(t, 0, fs.applyCalls)
}

func TestLinearBackOffProgression(t *testing.T) {
	t.Parallel()
	lb := &linearBackOff{step: time.Second, max: 3}
	assert.Equal(t, time.Second, lb.NextBackOff())
	assert.Equal(t, 2*time.Second, lb.NextBackOff())
	assert.Equal(t, backoff.Stop, lb.NextBackOff())
	lb.Reset()
	assert.Equal(t, time.Second, lb.NextBackOff())
}
