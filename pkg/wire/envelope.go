package wire

// Envelope is embedded in every state-changing request body: protocol
// version plus the two-tier auth scheme (routine auth_key, privileged
// admin_auth_key).
type Envelope struct {
	Version      int    `json:"version"`
	InstanceID   string `json:"instance_id"`
	AuthKey      string `json:"auth_key"`
	AdminAuthKey string `json:"admin_auth_key,omitempty"`
}

// MinProtocolVersion and MaxProtocolVersion bound the versions this build
// accepts; a request outside the range is rejected.
const (
	MinProtocolVersion = 1
	MaxProtocolVersion = 1
)

// SupportedVersion reports whether v is within [MinProtocolVersion, MaxProtocolVersion].
func SupportedVersion(v int) bool {
	return v >= MinProtocolVersion && v <= MaxProtocolVersion
}

// Response is the uniform JSON envelope every endpoint replies with.
type Response struct {
	Success  int            `json:"success"`
	Error    string         `json:"error,omitempty"`
	ErrorExt map[string]any `json:"error_ext,omitempty"`
	Warning  string         `json:"warning,omitempty"`
	Note     string         `json:"note,omitempty"`
}

// OK builds a bare success response.
func OK() Response { return Response{Success: 1} }

// OKWithNote builds a success response carrying an informational note, used
// for the idempotent-duplicate and abandoned-bundle replies.
func OKWithNote(note string) Response { return Response{Success: 1, Note: note} }

// Fail builds a failure response from an error message and optional
// structured extension (e.g. {"retryable": true}).
func Fail(msg string, ext map[string]any) Response {
	return Response{Success: 0, Error: msg, ErrorExt: ext}
}

// IsRetryableExt reports whether error_ext declares the rejection retryable,
// used by BundleSender.onWorkerErrorLocked when classifying WORKER_REJECTED_BUNDLE.
func (r Response) IsRetryableExt() bool {
	if r.ErrorExt == nil {
		return false
	}
	v, ok := r.ErrorExt["retryable"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
