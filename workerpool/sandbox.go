package workerpool

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/gontrandl/autoweave-core/capability"
	"github.com/gontrandl/autoweave-core/manifest"
	"github.com/gontrandl/autoweave-core/metrics"
)

// Sandbox mediates a single worker's host API calls against its
// manifest's declared permissions. Every HostRequest type not explicitly
// recognized is refused: the default is deny, never allow (spec.md §4.3).
type Sandbox struct {
	fs          afero.Fs
	permissions manifest.Permissions
	httpClient  *http.Client
}

// NewSandbox creates a Sandbox enforcing perms. fs is the filesystem the
// worker's ReadFile/WriteFile calls are served from; production wiring
// passes afero.NewOsFs(), tests pass afero.NewMemMapFs().
func NewSandbox(fs afero.Fs, perms manifest.Permissions) *Sandbox {
	return &Sandbox{
		fs:          fs,
		permissions: perms,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Handle dispatches one HostRequest to its capability-checked
// implementation.
func (s *Sandbox) Handle(req HostRequest) HostResponse {
	switch req.Type {
	case HostReadFile:
		return s.readFile(req)
	case HostWriteFile:
		return s.writeFile(req)
	case HostFetch:
		return s.fetch(req)
	case HostMetric:
		return s.metric(req)
	default:
		return deny("unknown host request type %q", req.Type)
	}
}

func deny(format string, args ...any) HostResponse {
	return HostResponse{OK: false, Error: fmt.Sprintf(format, args...)}
}

func (s *Sandbox) readFile(req HostRequest) HostResponse {
	if !capability.FSAccess(s.permissions.Filesystem, req.Path, capability.ModeRead) {
		return deny("read access to %q not granted", req.Path)
	}
	data, err := afero.ReadFile(s.fs, req.Path)
	if err != nil {
		return HostResponse{OK: false, Error: err.Error()}
	}
	return HostResponse{OK: true, Data: data}
}

func (s *Sandbox) writeFile(req HostRequest) HostResponse {
	if !capability.FSAccess(s.permissions.Filesystem, req.Path, capability.ModeWrite) {
		return deny("write access to %q not granted", req.Path)
	}
	if err := afero.WriteFile(s.fs, req.Path, req.Data, 0o644); err != nil {
		return HostResponse{OK: false, Error: err.Error()}
	}
	return HostResponse{OK: true}
}

func (s *Sandbox) fetch(req HostRequest) HostResponse {
	if !capability.URLGlobMatch(s.permissions.Network.Outbound, req.URL) {
		return deny("outbound access to %q not granted", req.URL)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = strings.NewReader(string(req.Body))
	}
	httpReq, err := http.NewRequest(method, req.URL, body)
	if err != nil {
		return HostResponse{OK: false, Error: err.Error()}
	}
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return HostResponse{OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return HostResponse{OK: false, Error: err.Error()}
	}
	return HostResponse{OK: true, Data: respBody, Status: resp.StatusCode}
}

// metric always succeeds: metric emission has no capability grant of its
// own in spec.md §3, every worker may report its own metrics.
func (s *Sandbox) metric(req HostRequest) HostResponse {
	metrics.RecordPluginMetric(req.Metric, req.Value)
	return HostResponse{OK: true}
}
