// Package probe smoke-tests a running OTA server the way a device would:
// health, update check, full download, chunked range download, acknowledgment.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Options configures a probe run.
type Options struct {
	// BaseURL is the server root, e.g. http://localhost:8080
	BaseURL string
	// Prefix is prepended to every route, "/api" or "".
	Prefix          string
	DeviceID        string
	FirmwareVersion string
	// Filename is downloaded when the check reports no update.
	Filename string
	// ChunkSize is the Range window used to walk the artifact.
	ChunkSize int64
	Timeout   time.Duration
}

// DefaultOptions mirrors a constrained device polling a local server.
func DefaultOptions() Options {
	return Options{
		BaseURL:         "http://localhost:8080",
		Prefix:          "/api",
		DeviceID:        "TEST_DEVICE_001",
		FirmwareVersion: "0x00010000",
		Filename:        "firmware_v2.bin",
		ChunkSize:       1024,
		Timeout:         30 * time.Second,
	}
}

// Result is the outcome of one probe step.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

type checkResponse struct {
	Status  int    `json:"status"`
	Version string `json:"version"`
	URL     string `json:"url"`
	Size    int64  `json:"size"`
	ID      string `json:"id"`
}

type prober struct {
	opts   Options
	client *http.Client
}

// Run executes every step and returns their results in order. A missing
// artifact is not a failure; the download steps then expect 404.
func Run(ctx context.Context, opts Options) []Result {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultOptions().ChunkSize
	}
	p := &prober{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}

	var results []Result
	record := func(name string, detail string, err error) {
		r := Result{Name: name, Passed: err == nil, Detail: detail}
		if err != nil {
			r.Detail = err.Error()
		}
		results = append(results, r)
	}

	detail, err := p.health(ctx)
	record("health", detail, err)

	check, err := p.check(ctx)
	if err != nil {
		record("check", "", err)
	} else {
		record("check", fmt.Sprintf("status=%d version=%s size=%d", check.Status, check.Version, check.Size), nil)
	}

	downloadURL := p.url("/firmware/" + opts.Filename)
	if check != nil && check.Status == 1 && check.URL != "" {
		downloadURL = check.URL
	}

	full, detail, err := p.downloadFull(ctx, downloadURL)
	record("download", detail, err)

	detail, err = p.downloadChunks(ctx, downloadURL, full)
	record("range", detail, err)

	detail, err = p.ack(ctx)
	record("ack", detail, err)

	return results
}

// Passed reports whether every result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func (p *prober) url(path string) string {
	return strings.TrimRight(p.opts.BaseURL, "/") + p.opts.Prefix + path
}

func (p *prober) do(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, url)
	}
	return resp, nil
}

func (p *prober) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return p.do(ctx, http.MethodPost, p.url(path), http.Header{"Content-Type": {"application/json"}}, bytes.NewReader(data))
}

func (p *prober) health(ctx context.Context) (string, error) {
	resp, err := p.do(ctx, http.MethodGet, p.url("/health"), nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		FirmwareAvailable bool `json:"firmware_available"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "decode health")
	}
	return fmt.Sprintf("firmware_available=%t", body.FirmwareAvailable), nil
}

func (p *prober) check(ctx context.Context) (*checkResponse, error) {
	resp, err := p.postJSON(ctx, "/ota/devices/"+p.opts.DeviceID+"/check", map[string]string{
		"device_id":        p.opts.DeviceID,
		"firmware_version": p.opts.FirmwareVersion,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode check")
	}
	if out.Status != 0 && out.Status != 1 {
		return nil, errors.Errorf("status %d is neither 0 nor 1", out.Status)
	}
	return &out, nil
}

// downloadFull returns nil data when the server reports 404.
func (p *prober) downloadFull(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := p.do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, "firmware not published (404)", nil
	case http.StatusOK:
	default:
		return nil, "", errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errors.Wrap(err, "read body")
	}
	if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
		return nil, "", errors.Errorf("got %d bytes, Content-Length %d", len(data), resp.ContentLength)
	}
	return data, fmt.Sprintf("%d bytes", len(data)), nil
}

// downloadChunks walks the artifact in ChunkSize ranges and compares the
// reassembled bytes with the full download.
func (p *prober) downloadChunks(ctx context.Context, url string, full []byte) (string, error) {
	if full == nil {
		resp, err := p.do(ctx, http.MethodGet, url, http.Header{"Range": {"bytes=0-1023"}}, nil)
		if err != nil {
			return "", err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			return "", errors.Errorf("expected 404 for missing firmware, got %d", resp.StatusCode)
		}
		return "firmware not published (404)", nil
	}

	total := int64(len(full))
	var assembled bytes.Buffer
	chunks := 0
	for start := int64(0); start < total; start += p.opts.ChunkSize {
		end := min(start+p.opts.ChunkSize, total) - 1
		chunk, err := p.fetchRange(ctx, url, start, end, total)
		if err != nil {
			return "", err
		}
		assembled.Write(chunk)
		chunks++
	}
	if !bytes.Equal(assembled.Bytes(), full) {
		return "", errors.New("chunked download differs from full download")
	}
	return fmt.Sprintf("%d chunks of %d bytes", chunks, p.opts.ChunkSize), nil
}

func (p *prober) fetchRange(ctx context.Context, url string, start, end, total int64) ([]byte, error) {
	header := http.Header{"Range": {fmt.Sprintf("bytes=%d-%d", start, end)}}
	resp, err := p.do(ctx, http.MethodGet, url, header, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, errors.Errorf("range %d-%d: unexpected status %d", start, end, resp.StatusCode)
	}
	want := fmt.Sprintf("bytes %d-%d/%d", start, end, total)
	if got := resp.Header.Get("Content-Range"); got != want {
		return nil, errors.Errorf("range %d-%d: Content-Range %q, want %q", start, end, got, want)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "range %d-%d: read body", start, end)
	}
	if int64(len(data)) != end-start+1 {
		return nil, errors.Errorf("range %d-%d: got %d bytes", start, end, len(data))
	}
	if cl := resp.Header.Get("Content-Length"); cl != strconv.Itoa(len(data)) {
		return nil, errors.Errorf("range %d-%d: Content-Length %q", start, end, cl)
	}
	return data, nil
}

func (p *prober) ack(ctx context.Context) (string, error) {
	resp, err := p.postJSON(ctx, "/ota/devices/"+p.opts.DeviceID+"/ack", map[string]string{
		"device_id": p.opts.DeviceID,
		"status":    "success",
		"version":   p.opts.FirmwareVersion,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "decode ack")
	}
	if body.Status != "ok" || body.DeviceID != p.opts.DeviceID {
		return "", errors.Errorf("unexpected ack body %+v", body)
	}
	return "accepted", nil
}
