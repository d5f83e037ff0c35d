package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/kibshh/ota-gateway/internal/ack"
	"github.com/kibshh/ota-gateway/internal/artifact"
	"github.com/kibshh/ota-gateway/internal/device"
	"github.com/kibshh/ota-gateway/internal/update"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

const testFirmware = "firmware_v2.bin"

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type testEnv struct {
	srv  *httptest.Server
	acks *ack.MemorySink
}

func firmwareBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i * 7) % 256)
	}
	return data
}

func newTestEnv(t *testing.T, cfg Config, files map[string][]byte, auth device.Authenticator, policy update.Policy) *testEnv {
	t.Helper()
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	for name, data := range files {
		require.NoError(t, bucket.WriteAll(ctx, name, data, nil))
	}

	store := artifact.NewBlobStore(bucket)
	catalog := artifact.NewCatalog(store, artifact.Descriptor{
		Version:   "0x00020000",
		Filename:  testFirmware,
		PublishID: "ota_update_001",
	})
	acks := ack.NewMemorySink()
	s := New(cfg, catalog, artifact.NewDownloader(store), update.NewEngine(policy), auth, acks)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, acks: acks}
}

func defaultEnv(t *testing.T, files map[string][]byte) *testEnv {
	return newTestEnv(t, DefaultConfig(), files, nil, update.PolicyAlwaysAvailable)
}

func (e *testEnv) do(t *testing.T, method, path string, header http.Header, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return e.do(t, http.MethodPost, path, http.Header{"Content-Type": {"application/json"}}, bytes.NewReader(data))
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCheckNoFirmware(t *testing.T) {
	env := defaultEnv(t, nil)

	resp := env.postJSON(t, "/ota/devices/TEST_DEVICE_001/check", map[string]string{
		"firmware_version": "0x00010000",
		"config_version":   "config_v1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, float64(0), body["status"])
	assert.Equal(t, "0x00010000", body["version"])
	assert.NotContains(t, body, "url")
	assert.NotContains(t, body, "size")
	assert.NotContains(t, body, "id")
}

func TestCheckFirmwareAvailable(t *testing.T) {
	env := defaultEnv(t, map[string][]byte{testFirmware: firmwareBytes(2048)})

	resp := env.postJSON(t, "/api/ota/devices/TEST_DEVICE_001/check", map[string]string{"firmware_version": "0x00010000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, float64(1), body["status"])
	assert.Equal(t, "0x00020000", body["version"])
	assert.Equal(t, env.srv.URL+"/api/firmware/"+testFirmware, body["url"])
	assert.Equal(t, float64(2048), body["size"])
	assert.Equal(t, "ota_update_001", body["id"])
}

func TestCheckFormBodyAndPublicHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublicHost = "ota-demo.vercel.app"
	env := newTestEnv(t, cfg, map[string][]byte{testFirmware: firmwareBytes(10)}, nil, update.PolicyCompareSemver)

	form := url.Values{"firmware_version": {"0x00010000"}}
	resp := env.do(t, http.MethodPost, "/ota/devices/dev-1/check",
		http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		strings.NewReader(form.Encode()))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, float64(1), body["status"])
	assert.Equal(t, "https://ota-demo.vercel.app/api/firmware/"+testFirmware, body["url"])

	// Already on the published version.
	form.Set("firmware_version", "2.0.0")
	resp = env.do(t, http.MethodPost, "/ota/devices/dev-1/check",
		http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		strings.NewReader(form.Encode()))
	body = decode(t, resp)
	assert.Equal(t, float64(0), body["status"])
	assert.Equal(t, "2.0.0", body["version"])
}

func TestCheckRootRoutesUseUnprefixedURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routes = RoutesRoot
	env := newTestEnv(t, cfg, map[string][]byte{testFirmware: firmwareBytes(10)}, nil, update.PolicyAlwaysAvailable)

	resp := env.postJSON(t, "/ota/devices/dev-1/check", map[string]string{})
	body := decode(t, resp)
	assert.Equal(t, env.srv.URL+"/firmware/"+testFirmware, body["url"])

	resp = env.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckEmptyBodyUsesDefaultVersion(t *testing.T) {
	env := defaultEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/ota/devices/dev-1/check", http.Header{"Content-Type": {"application/json"}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, update.DefaultReportedVersion, decode(t, resp)["version"])
}

func TestCheckRejectsBadJSON(t *testing.T) {
	env := defaultEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/ota/devices/dev-1/check",
		http.Header{"Content-Type": {"application/json"}}, strings.NewReader("{not json"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid request body", decode(t, resp)["error"])
}

func TestCheckAuthenticatorRejects(t *testing.T) {
	auth := device.AuthenticatorFunc(func(_ context.Context, creds device.Credentials) error {
		if creds.Secret != "letmein" {
			return errors.Wrap(device.ErrUnauthorized, creds.DeviceID)
		}
		return nil
	})
	env := newTestEnv(t, DefaultConfig(), map[string][]byte{testFirmware: firmwareBytes(10)}, auth, update.PolicyAlwaysAvailable)

	resp := env.postJSON(t, "/ota/devices/dev-1/check", map[string]string{"secret": "nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "Unauthorized", body["error"])
	assert.Equal(t, float64(0), body["status"])

	resp = env.postJSON(t, "/ota/devices/dev-1/check", map[string]string{"secret": "letmein"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDownloadFull(t *testing.T) {
	data := firmwareBytes(2048)
	env := defaultEnv(t, map[string][]byte{testFirmware: data})

	resp := env.do(t, http.MethodGet, "/firmware/"+testFirmware, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "2048", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadRange(t *testing.T) {
	data := firmwareBytes(2048)
	env := defaultEnv(t, map[string][]byte{testFirmware: data})

	resp := env.do(t, http.MethodGet, "/api/firmware/"+testFirmware, http.Header{"Range": {"bytes=512-1023"}}, nil)
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 512-1023/2048", resp.Header.Get("Content-Range"))
	assert.Equal(t, "512", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, got, 512)
	assert.Equal(t, data[512:1024], got)
}

func TestDownloadOpenEndedRange(t *testing.T) {
	data := firmwareBytes(2048)
	env := defaultEnv(t, map[string][]byte{testFirmware: data})

	resp := env.do(t, http.MethodGet, "/firmware/"+testFirmware, http.Header{"Range": {"bytes=1024-"}}, nil)
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 1024-2047/2048", resp.Header.Get("Content-Range"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data[1024:], got)
}

func TestDownloadUnsatisfiableRange(t *testing.T) {
	env := defaultEnv(t, map[string][]byte{testFirmware: firmwareBytes(2048)})

	resp := env.do(t, http.MethodGet, "/firmware/"+testFirmware, http.Header{"Range": {"bytes=1024-4096"}}, nil)
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */2048", resp.Header.Get("Content-Range"))
	assert.Equal(t, "Range not satisfiable", decode(t, resp)["error"])
}

func TestDownloadMalformedRangeServesFullBody(t *testing.T) {
	data := firmwareBytes(300)
	env := defaultEnv(t, map[string][]byte{testFirmware: data})

	resp := env.do(t, http.MethodGet, "/firmware/"+testFirmware, http.Header{"Range": {"bytes=-"}}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadMissingFirmware(t *testing.T) {
	env := defaultEnv(t, nil)

	for _, path := range []string{"/firmware/nope.bin", "/api/firmware/" + testFirmware, "/firmware/fw%5Cv2.bin", "/firmware/" + testFirmware + ".attrs"} {
		resp := env.do(t, http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.NotEmpty(t, decode(t, resp)["error"], path)
	}
}

func TestDownloadHead(t *testing.T) {
	env := defaultEnv(t, map[string][]byte{testFirmware: firmwareBytes(2048)})

	resp := env.do(t, http.MethodHead, "/firmware/"+testFirmware, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2048), resp.ContentLength)
}

func TestConcurrentDownloadsAreConsistent(t *testing.T) {
	data := firmwareBytes(64 * 1024)
	env := defaultEnv(t, map[string][]byte{testFirmware: data})

	type job struct {
		rangeHeader string
		want        []byte
	}
	var jobs []job
	jobs = append(jobs, job{"", data})
	for start := 0; start < len(data); start += 4096 {
		jobs = append(jobs, job{fmt.Sprintf("bytes=%d-%d", start, start+4095), data[start : start+4096]})
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(jobs)*4)
	for round := 0; round < 4; round++ {
		for _, j := range jobs {
			wg.Add(1)
			go func(j job) {
				defer wg.Done()
				req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/firmware/"+testFirmware, nil)
				if j.rangeHeader != "" {
					req.Header.Set("Range", j.rangeHeader)
				}
				resp, err := env.srv.Client().Do(req)
				if err != nil {
					errs <- err
					return
				}
				defer resp.Body.Close()
				got, err := io.ReadAll(resp.Body)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got, j.want) {
					errs <- fmt.Errorf("range %q: body mismatch", j.rangeHeader)
				}
			}(j)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestAckAlwaysAccepted(t *testing.T) {
	env := defaultEnv(t, nil)

	resp := env.postJSON(t, "/api/ota/devices/TEST_DEVICE_001/ack", map[string]any{
		"status":  "success",
		"version": "0x00020000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"status": "ok", "device_id": "TEST_DEVICE_001"}, decode(t, resp))

	form := url.Values{"status": {"failed"}}
	resp = env.do(t, http.MethodPost, "/ota/devices/dev-2/ack",
		http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		strings.NewReader(form.Encode()))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	records := env.acks.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "TEST_DEVICE_001", records[0].DeviceID)
	assert.Equal(t, "success", records[0].Payload["status"])
	assert.Equal(t, "dev-2", records[1].DeviceID)
	assert.Equal(t, "failed", records[1].Payload["status"])
}

func TestHealth(t *testing.T) {
	empty := defaultEnv(t, nil)
	body := decode(t, empty.do(t, http.MethodGet, "/health", nil, nil))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, ServiceName, body["service"])
	assert.Equal(t, false, body["firmware_available"])

	full := defaultEnv(t, map[string][]byte{testFirmware: firmwareBytes(1)})
	body = decode(t, full.do(t, http.MethodGet, "/api/health", nil, nil))
	assert.Equal(t, true, body["firmware_available"])
}

func TestRoot(t *testing.T) {
	env := defaultEnv(t, nil)
	body := decode(t, env.do(t, http.MethodGet, "/", nil, nil))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, ServiceVersion, body["version"])
}

func TestPreflightAndCORS(t *testing.T) {
	env := defaultEnv(t, nil)

	resp := env.do(t, http.MethodOptions, "/ota/devices/dev-1/check", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	cfg := DefaultConfig()
	cfg.CORSEnabled = false
	closed := newTestEnv(t, cfg, nil, nil, update.PolicyAlwaysAvailable)
	resp = closed.do(t, http.MethodOptions, "/firmware/x.bin", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestUnknownRouteListsEndpoints(t *testing.T) {
	env := defaultEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "Not found", body["error"])
	assert.Contains(t, body["available_endpoints"], "GET /api/firmware/{filename}")
}

func TestRequestIDHeader(t *testing.T) {
	env := defaultEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/health", http.Header{"X-Request-Id": {"abc-123"}}, nil)
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))

	resp = env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36)
}

func TestStartStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	store := artifact.NewBlobStore(bucket)
	s := New(cfg, artifact.NewCatalog(store, artifact.Descriptor{Filename: testFirmware}), artifact.NewDownloader(store), update.NewEngine(""), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Start(ctx))
}

// brokenStore reports size bytes but its streams fail after keep bytes.
// keep is large enough that the response headers are flushed first.
type brokenStore struct {
	size int64
	keep int
	err  error
}

func (s brokenStore) Exists(context.Context, string) (bool, error) { return true, nil }

func (s brokenStore) Size(context.Context, string) (int64, error) { return s.size, nil }

func (s brokenStore) stream() io.ReadCloser {
	r := io.Reader(bytes.NewReader(firmwareBytes(s.keep)))
	if s.err != nil {
		r = io.MultiReader(r, failingReader{s.err})
	}
	return io.NopCloser(r)
}

func (s brokenStore) ReadSpan(context.Context, string, int64, int64) (io.ReadCloser, error) {
	return s.stream(), nil
}

func (s brokenStore) ReadFull(context.Context, string) (io.ReadCloser, error) {
	return s.stream(), nil
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestDownloadAbortsTruncatedStream(t *testing.T) {
	tests := []struct {
		name   string
		store  brokenStore
		header http.Header
		status int
		length int
	}{
		{"full read error", brokenStore{size: 64 << 10, keep: 20000, err: errors.New("disk gone")}, nil, http.StatusOK, 64 << 10},
		{"full short read", brokenStore{size: 64 << 10, keep: 20000}, nil, http.StatusOK, 64 << 10},
		{"range read error", brokenStore{size: 64 << 10, keep: 20000, err: errors.New("disk gone")}, http.Header{"Range": {"bytes=0-40959"}}, http.StatusPartialContent, 40960},
		{"range short read", brokenStore{size: 64 << 10, keep: 20000}, http.Header{"Range": {"bytes=1024-41983"}}, http.StatusPartialContent, 40960},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := artifact.NewCatalog(tt.store, artifact.Descriptor{Version: "0x00020000", Filename: testFirmware})
			s := New(DefaultConfig(), catalog, artifact.NewDownloader(tt.store), update.NewEngine(update.PolicyAlwaysAvailable), nil, nil)
			srv := httptest.NewServer(s.Handler())
			defer srv.Close()

			req, err := http.NewRequest(http.MethodGet, srv.URL+"/firmware/"+testFirmware, nil)
			require.NoError(t, err)
			for k, v := range tt.header {
				req.Header[k] = v
			}
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, int64(tt.length), resp.ContentLength)
			data, err := io.ReadAll(resp.Body)
			assert.Error(t, err)
			assert.Less(t, len(data), tt.length)
		})
	}
}
