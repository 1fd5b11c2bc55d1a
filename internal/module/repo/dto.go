package repo

import "time"

// CreateRequest is the body of POST /api/repos/create.
type CreateRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization"`
	Private      bool   `json:"private"`
}

// DeleteRequest is the body of DELETE /api/repos/delete.
type DeleteRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization"`
}

// MoveRequest is the body of POST /api/repos/move.
type MoveRequest struct {
	FromRepo string `json:"fromRepo"`
	ToRepo   string `json:"toRepo"`
	Type     string `json:"type"`
}

// LFSFileInfo is the LFS block attached to tree and paths-info entries.
type LFSFileInfo struct {
	OID         string `json:"oid"`
	Size        int64  `json:"size"`
	PointerSize int    `json:"pointerSize"`
}

// TreeEntry is one entry of a tree or paths-info listing, HF shaped.
type TreeEntry struct {
	Type         string       `json:"type"` // file | directory
	OID          string       `json:"oid"`
	Size         int64        `json:"size"`
	Path         string       `json:"path"`
	LFS          *LFSFileInfo `json:"lfs,omitempty"`
	LastModified *time.Time   `json:"lastModified,omitempty"`
}

// Sibling is a repo file reference in repo info responses.
type Sibling struct {
	RFilename string `json:"rfilename"`
}

// Info is the HF-shaped repository info response.
type Info struct {
	ID           string    `json:"id"`
	Author       string    `json:"author"`
	SHA          string    `json:"sha"`
	LastModified time.Time `json:"lastModified"`
	CreatedAt    time.Time `json:"createdAt"`
	Private      bool      `json:"private"`
	Gated        bool      `json:"gated"`
	Disabled     bool      `json:"disabled"`
	Downloads    int64     `json:"downloads"`
	Likes        int64     `json:"likes"`
	Tags         []string  `json:"tags"`
	Siblings     []Sibling `json:"siblings"`
}

// RevisionRef is one branch or tag of a repository.
type RevisionRef struct {
	Name         string `json:"name"`
	Ref          string `json:"ref"`
	TargetCommit string `json:"targetCommit"`
}

// Refs groups a repository's revision refs.
type Refs struct {
	Branches []RevisionRef `json:"branches"`
	Tags     []RevisionRef `json:"tags"`
}

// CommitInfo is one entry of the commit listing.
type CommitInfo struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Author  string    `json:"authors"`
	Date    time.Time `json:"date"`
}
