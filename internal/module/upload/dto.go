package upload

// PreuploadFile is one candidate file in a preupload negotiation.
type PreuploadFile struct {
	Path   string `json:"path" binding:"required"`
	Size   int64  `json:"size"`
	Sha    string `json:"sha"`
	Sample string `json:"sample"`
}

// PreuploadRequest is the body of the preupload endpoint.
type PreuploadRequest struct {
	Files []PreuploadFile `json:"files" binding:"required"`
}

// PreuploadResult is the negotiated upload mode for one file.
type PreuploadResult struct {
	Path         string `json:"path"`
	UploadMode   string `json:"uploadMode"` // lfs | regular
	ShouldIgnore bool   `json:"shouldIgnore"`
}

// PreuploadResponse is the preupload endpoint response.
type PreuploadResponse struct {
	Files []PreuploadResult `json:"files"`
}

// commitOp is one NDJSON line of a commit payload.
type commitOp struct {
	Key   string `json:"key"`
	Value struct {
		// header
		Summary     string `json:"summary"`
		Description string `json:"description"`
		// file / lfsFile / deletedFile / deletedFolder
		Path     string `json:"path"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		OID      string `json:"oid"`
		Size     int64  `json:"size"`
		Algo     string `json:"algo"`
	} `json:"value"`
}

// CommitResponse is the commit endpoint response.
type CommitResponse struct {
	CommitURL string `json:"commitUrl"`
	CommitOID string `json:"commitOid"`
	Success   bool   `json:"success"`
}
