package lfs

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/module/quota"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	"github.com/kohakuhub/kohakuhub/internal/module/upload"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
	"github.com/kohakuhub/kohakuhub/internal/storage"
)

var oidRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ObjectStore is the slice of the object-store client the LFS transfer
// negotiation needs.
type ObjectStore interface {
	ObjectExists(ctx context.Context, key string) (bool, error)
	PresignUpload(ctx context.Context, key string, expiry time.Duration, contentType string) (*storage.PresignedUpload, error)
	PresignDownload(ctx context.Context, key string, expiry time.Duration, filename string) (string, error)
	HeadObject(ctx context.Context, key string) (*storage.ObjectInfo, error)
}

// Service implements the git-lfs batch and verify operations on top of
// presigned object store transfers. Upload batches pass quota admission
// for their cumulative pending bytes before any URL is signed.
type Service struct {
	s3     ObjectStore
	store  repo.Store
	quota  *quota.Service
	cfg    *config.Config
	logger *zap.Logger
}

// NewService creates the LFS service.
func NewService(s3 ObjectStore, store repo.Store, quotaSvc *quota.Service, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{s3: s3, store: store, quota: quotaSvc, cfg: cfg, logger: logger}
}

func (s *Service) verifyHref(r *repo.Repository) string {
	prefix := ""
	if r.RepoType != repo.TypeModel {
		prefix = "/" + string(r.RepoType) + "s"
	}
	return fmt.Sprintf("%s%s/%s.git/info/lfs/verify", s.cfg.App.BaseURL, prefix, r.FullID())
}

// Batch negotiates transfers for a set of objects. Uploads of content the
// registry or the store already holds come back without actions so
// clients skip them.
func (s *Service) Batch(ctx context.Context, r *repo.Repository, req *BatchRequest) (*BatchResponse, error) {
	if req.Operation != "upload" && req.Operation != "download" {
		return nil, hub.BadRequest(fmt.Sprintf("Unsupported LFS operation %q", req.Operation))
	}
	if req.HashAlgo != "" && req.HashAlgo != "sha256" {
		return nil, hub.BadRequest(fmt.Sprintf("Unsupported hash algo %q", req.HashAlgo))
	}

	resp := &BatchResponse{
		Transfer: "basic",
		HashAlgo: "sha256",
		Objects:  make([]BatchObject, len(req.Objects)),
	}
	for i, obj := range req.Objects {
		oid := strings.ToLower(obj.OID)
		resp.Objects[i] = BatchObject{OID: oid, Size: obj.Size, Authenticated: true}
		if !oidRe.MatchString(oid) || obj.Size < 0 {
			resp.Objects[i].Error = &ObjectError{
				Code: http.StatusUnprocessableEntity, Message: "invalid object",
			}
		}
	}

	switch req.Operation {
	case "upload":
		if err := s.prepareUploads(ctx, r, resp.Objects); err != nil {
			return nil, err
		}
	case "download":
		for i := range resp.Objects {
			if resp.Objects[i].Error == nil {
				s.prepareDownload(ctx, &resp.Objects[i])
			}
		}
	}
	return resp, nil
}

// prepareUploads probes the batch, admits the cumulative bytes that would
// actually land, then presigns. Quota failure rejects the whole batch
// before a single URL is issued.
func (s *Service) prepareUploads(ctx context.Context, r *repo.Repository, objects []BatchObject) error {
	needsUpload := make([]bool, len(objects))
	var pending int64
	for i := range objects {
		out := &objects[i]
		if out.Error != nil {
			continue
		}
		if out.Size > s.cfg.LFS.MaxFileSize {
			out.Error = &ObjectError{
				Code: http.StatusNotImplemented,
				Message: fmt.Sprintf("object size %d exceeds the %d byte transfer limit",
					out.Size, s.cfg.LFS.MaxFileSize),
			}
			continue
		}
		// Global content dedup: a live registered file with this hash
		// means the bytes are already stored and charged.
		if _, err := s.store.GetFileBySha(ctx, out.OID); err == nil {
			continue
		}
		exists, err := s.s3.ObjectExists(ctx, upload.LFSKey(out.OID))
		if err != nil {
			out.Error = &ObjectError{Code: http.StatusBadGateway, Message: "object store unavailable"}
			continue
		}
		if exists {
			continue
		}
		needsUpload[i] = true
		pending += out.Size
	}

	if err := s.quota.Check(ctx, r, pending); err != nil {
		return err
	}

	for i := range objects {
		if needsUpload[i] {
			s.presignUpload(ctx, r, &objects[i])
		}
	}
	return nil
}

func (s *Service) presignUpload(ctx context.Context, r *repo.Repository, out *BatchObject) {
	presigned, err := s.s3.PresignUpload(ctx, upload.LFSKey(out.OID), s.cfg.S3.PresignExpiry, "application/octet-stream")
	if err != nil {
		out.Error = &ObjectError{Code: http.StatusBadGateway, Message: "failed to presign upload"}
		return
	}
	out.Actions = map[string]*Action{
		"upload": {
			Href:      presigned.URL,
			Header:    presigned.Headers,
			ExpiresIn: int(s.cfg.S3.PresignExpiry.Seconds()),
		},
		"verify": {
			Href: s.verifyHref(r),
		},
	}
}

func (s *Service) prepareDownload(ctx context.Context, out *BatchObject) {
	key := upload.LFSKey(out.OID)
	exists, err := s.s3.ObjectExists(ctx, key)
	if err != nil {
		out.Error = &ObjectError{Code: http.StatusBadGateway, Message: "object store unavailable"}
		return
	}
	if !exists {
		out.Error = &ObjectError{Code: http.StatusNotFound, Message: "object not found"}
		return
	}
	url, err := s.s3.PresignDownload(ctx, key, s.cfg.S3.PresignExpiry, out.OID)
	if err != nil {
		out.Error = &ObjectError{Code: http.StatusBadGateway, Message: "failed to presign download"}
		return
	}
	out.Actions = map[string]*Action{
		"download": {Href: url, ExpiresIn: int(s.cfg.S3.PresignExpiry.Seconds())},
	}
}

// Verify confirms an uploaded object landed with the declared size.
func (s *Service) Verify(ctx context.Context, ref *ObjectRef) error {
	oid := strings.ToLower(ref.OID)
	if !oidRe.MatchString(oid) {
		return hub.BadRequest("invalid oid")
	}
	info, err := s.s3.HeadObject(ctx, upload.LFSKey(oid))
	if err != nil {
		return hub.EntryNotFound(oid)
	}
	if info.Size != ref.Size {
		return hub.BadRequest(fmt.Sprintf(
			"size mismatch for %s: expected %d, stored %d", oid, ref.Size, info.Size))
	}
	return nil
}
