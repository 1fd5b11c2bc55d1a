package lfs

// MediaType is the git-lfs JSON media type.
const MediaType = "application/vnd.git-lfs+json"

// ObjectRef identifies one LFS object by content hash and size.
type ObjectRef struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// BatchRequest is the git-lfs batch API request.
type BatchRequest struct {
	Operation string      `json:"operation"` // upload | download
	Transfers []string    `json:"transfers"`
	Objects   []ObjectRef `json:"objects"`
	HashAlgo  string      `json:"hash_algo"`
}

// Action is one transfer action (upload, download or verify).
type Action struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresIn int               `json:"expires_in,omitempty"`
}

// ObjectError is a per-object batch failure.
type ObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BatchObject is one object of a batch response.
type BatchObject struct {
	OID           string             `json:"oid"`
	Size          int64              `json:"size"`
	Authenticated bool               `json:"authenticated,omitempty"`
	Actions       map[string]*Action `json:"actions,omitempty"`
	Error         *ObjectError       `json:"error,omitempty"`
}

// BatchResponse is the git-lfs batch API response.
type BatchResponse struct {
	Transfer string        `json:"transfer"`
	Objects  []BatchObject `json:"objects"`
	HashAlgo string        `json:"hash_algo"`
}
