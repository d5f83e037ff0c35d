package update

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/kibshh/ota-gateway/internal/artifact"
	"github.com/pkg/errors"
)

// DefaultReportedVersion is assumed when a device omits firmware_version.
const DefaultReportedVersion = "0x00010000"

const noUpdateMessage = "No firmware update available"

var ErrUnknownPolicy = errors.New("unknown update policy")

// Policy selects how the engine decides between update and no-update once
// an artifact is published.
type Policy string

const (
	// PolicyAlwaysAvailable offers the published artifact to every device.
	PolicyAlwaysAvailable Policy = "always-available"
	// PolicyCompareSemver offers it only to devices reporting an older version.
	PolicyCompareSemver Policy = "compare-semver"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyAlwaysAvailable, PolicyCompareSemver:
		return p, nil
	case "":
		return PolicyAlwaysAvailable, nil
	default:
		return "", errors.Wrapf(ErrUnknownPolicy, "%q", s)
	}
}

type Status uint8

const (
	StatusNoUpdate Status = iota
	StatusAvailable
)

// Request is what a device reports when it polls for updates.
type Request struct {
	DeviceID        string
	FirmwareVersion string
	ConfigVersion   string
	Secret          string
}

// Response is the result of a check. URL, Size and ID are set only when
// Status is StatusAvailable; Message only when it is StatusNoUpdate.
type Response struct {
	Status  Status `json:"status"`
	Version string `json:"version"`
	URL     string `json:"url,omitempty"`
	Size    int64  `json:"size,omitempty"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

type availableBody struct {
	Status  Status `json:"status"`
	Version string `json:"version"`
	URL     string `json:"url"`
	Size    int64  `json:"size"`
	ID      string `json:"id"`
}

type noUpdateBody struct {
	Status  Status `json:"status"`
	Version string `json:"version"`
	Message string `json:"message,omitempty"`
}

// MarshalJSON writes the body for r's status: url, size and id are always
// present when an update is available and never otherwise.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Status == StatusAvailable {
		return json.Marshal(availableBody{
			Status:  r.Status,
			Version: r.Version,
			URL:     r.URL,
			Size:    r.Size,
			ID:      r.ID,
		})
	}
	return json.Marshal(noUpdateBody{
		Status:  r.Status,
		Version: r.Version,
		Message: r.Message,
	})
}

// Engine decides whether a device should update. It holds no per-request
// state and is safe for concurrent use.
type Engine struct {
	policy Policy
}

func NewEngine(policy Policy) *Engine {
	if policy == "" {
		policy = PolicyAlwaysAvailable
	}
	return &Engine{policy: policy}
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Check builds the response for req given the current artifact (nil when none
// is published). baseURL is the public prefix the firmware route hangs off.
func (e *Engine) Check(req Request, current *artifact.Artifact, baseURL string) Response {
	reported := req.FirmwareVersion
	if reported == "" {
		reported = DefaultReportedVersion
	}

	if current == nil || (e.policy == PolicyCompareSemver && upToDate(reported, current.Version)) {
		return Response{
			Status:  StatusNoUpdate,
			Version: reported,
			Message: noUpdateMessage,
		}
	}

	return Response{
		Status:  StatusAvailable,
		Version: current.Version,
		URL:     DownloadURL(baseURL, current.Filename),
		Size:    current.Size,
		ID:      current.PublishID,
	}
}

// DownloadURL joins the public base and the firmware route for filename.
func DownloadURL(baseURL, filename string) string {
	return strings.TrimRight(baseURL, "/") + "/firmware/" + url.PathEscape(filename)
}

// upToDate is false whenever either version cannot be parsed, so devices
// with unknown versions are still offered the artifact.
func upToDate(reported, published string) bool {
	have, err := ParseVersion(reported)
	if err != nil {
		return false
	}
	want, err := ParseVersion(published)
	if err != nil {
		return false
	}
	return !have.LessThan(*want)
}
