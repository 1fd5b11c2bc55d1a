package gitbridge

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

const (
	serviceUploadPack  = "git-upload-pack"
	serviceReceivePack = "git-receive-pack"

	// Payload budget for one side-band data packet.
	sideBandChunk = 65500
)

// Handler serves the git smart HTTP protocol.
type Handler struct {
	service *Service
	repos   *repo.Service
	logger  *zap.Logger
}

// NewHandler creates the git bridge handler.
func NewHandler(service *Service, repos *repo.Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, repos: repos, logger: logger}
}

// RegisterRoutes registers smart HTTP routes at the site root for every
// repo type prefix.
func (h *Handler) RegisterRoutes(root gin.IRouter) {
	register := func(g gin.IRouter, repoType repo.RepoType) {
		g.GET("/:namespace/:name/info/refs", h.infoRefs(repoType))
		g.GET("/:namespace/:name/HEAD", h.head(repoType))
		g.POST("/:namespace/:name/git-upload-pack", h.uploadPack(repoType))
		g.POST("/:namespace/:name/git-receive-pack", h.receivePack(repoType))
	}
	register(root, repo.TypeModel)
	register(root.Group("/datasets"), repo.TypeDataset)
	register(root.Group("/spaces"), repo.TypeSpace)
}

func repoName(raw string) string {
	return strings.TrimSuffix(raw, ".git")
}

func (h *Handler) loadRepo(c *gin.Context, repoType repo.RepoType) *repo.Repository {
	p := auth.GetPrincipal(c)
	r, err := h.repos.GetForRead(c.Request.Context(), p, repoType,
		c.Param("namespace"), repoName(c.Param("name")))
	if err != nil {
		auth.AbortWithError(c, err)
		return nil
	}
	return r
}

func uploadPackCaps(agent string) string {
	return "multi_ack multi_ack_detailed side-band-64k thin-pack ofs-delta " +
		"symref=HEAD:refs/heads/main agent=" + agent
}

func receivePackCaps(agent string) string {
	return "report-status side-band-64k delete-refs ofs-delta agent=" + agent
}

func (h *Handler) infoRefs(repoType repo.RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		service := c.Query("service")
		if service != serviceUploadPack && service != serviceReceivePack {
			auth.AbortWithError(c, hub.BadRequest("Unsupported service"))
			return
		}
		r := h.loadRepo(c, repoType)
		if r == nil {
			return
		}
		if service == serviceReceivePack {
			p := auth.GetPrincipal(c)
			if err := h.repos.CheckWrite(c.Request.Context(), p, r); err != nil {
				auth.AbortWithError(c, err)
				return
			}
		}

		refs, err := h.service.Refs(c.Request.Context(), r)
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}

		caps := uploadPackCaps(h.service.cfg.Git.Agent)
		if service == serviceReceivePack {
			caps = receivePackCaps(h.service.cfg.Git.Agent)
		}

		var buf bytes.Buffer
		enc := pktline.NewEncoder(&buf)
		if err := enc.Encode([]byte(fmt.Sprintf("# service=%s\n", service))); err != nil {
			auth.AbortWithError(c, err)
			return
		}
		enc.Flush()

		if len(refs) == 0 {
			enc.Encode([]byte(fmt.Sprintf("%040d capabilities^{}\x00%s\n", 0, caps)))
		}
		for i, ref := range refs {
			line := fmt.Sprintf("%s %s", ref.SHA, ref.Name)
			if i == 0 {
				line += "\x00" + caps
			}
			enc.Encode([]byte(line + "\n"))
		}
		enc.Flush()

		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, fmt.Sprintf("application/x-%s-advertisement", service), buf.Bytes())
	}
}

func (h *Handler) head(repoType repo.RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		if r := h.loadRepo(c, repoType); r == nil {
			return
		}
		c.Data(http.StatusOK, "text/plain", []byte("ref: refs/heads/main\n"))
	}
}

// uploadRequest is the parsed negotiation of a fetch.
type uploadRequest struct {
	wants    []string
	caps     []string
	sideBand bool
}

func parseUploadPack(c *gin.Context) *uploadRequest {
	req := &uploadRequest{}
	scanner := pktline.NewScanner(c.Request.Body)
	for scanner.Scan() {
		line := strings.TrimRight(string(scanner.Bytes()), "\n")
		switch {
		case line == "done":
			return req
		case line == "":
			// flush-pkt between wants and haves
		case strings.HasPrefix(line, "want "):
			rest := strings.TrimPrefix(line, "want ")
			if i := strings.IndexAny(rest, " \x00"); i >= 0 {
				req.caps = strings.Fields(strings.TrimLeft(rest[i:], " \x00"))
				for _, cap := range req.caps {
					if cap == "side-band-64k" || cap == "side-band" {
						req.sideBand = true
					}
				}
				rest = rest[:i]
			}
			req.wants = append(req.wants, rest)
		case strings.HasPrefix(line, "have "):
			// No common-ancestor negotiation: full packs only.
		}
	}
	return req
}

// uploadPackError reports a failure after negotiation. Clients that
// asked for side-band get the message on the error band followed by a
// flush; others get the plain HTTP error.
func (h *Handler) uploadPackError(c *gin.Context, sideBand bool, err error) {
	if !sideBand {
		auth.AbortWithError(c, err)
		return
	}
	h.logger.Warn("upload-pack failed", zap.Error(err))

	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Header("Content-Type", "application/x-git-upload-pack-result")

	enc := pktline.NewEncoder(c.Writer)
	enc.Encode([]byte("NAK\n"))
	enc.Encode(append([]byte{3}, []byte(hub.AsHub(err).Message+"\n")...))
	enc.Flush()
}

func (h *Handler) uploadPack(repoType repo.RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		r := h.loadRepo(c, repoType)
		if r == nil {
			return
		}
		req := parseUploadPack(c)
		if len(req.wants) == 0 {
			auth.AbortWithError(c, hub.BadRequest("No wants in upload-pack request"))
			return
		}

		snaps, err := h.service.SnapshotsForWants(c.Request.Context(), r, req.wants)
		if err != nil {
			h.uploadPackError(c, req.sideBand, err)
			return
		}
		var objects []object
		seen := make(map[[20]byte]bool)
		for _, snap := range snaps {
			objs, err := h.service.PackObjects(c.Request.Context(), r, snap)
			if err != nil {
				h.uploadPackError(c, req.sideBand, err)
				return
			}
			for _, o := range objs {
				if seen[o.sha] {
					continue
				}
				seen[o.sha] = true
				objects = append(objects, o)
			}
		}

		var pack bytes.Buffer
		if err := WritePack(&pack, objects); err != nil {
			h.uploadPackError(c, req.sideBand, hub.ServerError("Pack assembly failed", err))
			return
		}

		c.Header("Cache-Control", "no-cache")
		c.Status(http.StatusOK)
		c.Header("Content-Type", "application/x-git-upload-pack-result")

		enc := pktline.NewEncoder(c.Writer)
		enc.Encode([]byte("NAK\n"))
		if !req.sideBand {
			c.Writer.Write(pack.Bytes())
			return
		}

		data := pack.Bytes()
		for len(data) > 0 {
			n := len(data)
			if n > sideBandChunk {
				n = sideBandChunk
			}
			enc.Encode(append([]byte{1}, data[:n]...))
			data = data[n:]
		}
		enc.Flush()
	}
}

// refCommand is one ref update of a push.
type refCommand struct {
	oldSHA string
	newSHA string
	name   string
}

func parseReceivePack(c *gin.Context) (cmds []refCommand, sideBand bool) {
	scanner := pktline.NewScanner(c.Request.Body)
	for scanner.Scan() {
		payload := scanner.Bytes()
		if len(payload) == 0 {
			break
		}
		line := string(payload)
		if i := strings.IndexByte(line, '\x00'); i >= 0 {
			for _, cap := range strings.Fields(line[i+1:]) {
				if cap == "side-band-64k" {
					sideBand = true
				}
			}
			line = line[:i]
		}
		fields := strings.Fields(strings.TrimRight(line, "\n"))
		if len(fields) == 3 {
			cmds = append(cmds, refCommand{oldSHA: fields[0], newSHA: fields[1], name: fields[2]})
		}
	}
	return cmds, sideBand
}

// receivePack accepts a push, parses it fully, and declines every ref
// update: history is owned by the commit API, git is a read-only view.
func (h *Handler) receivePack(repoType repo.RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		r := h.loadRepo(c, repoType)
		if r == nil {
			return
		}
		p := auth.GetPrincipal(c)
		if err := h.repos.CheckWrite(c.Request.Context(), p, r); err != nil {
			auth.AbortWithError(c, err)
			return
		}

		cmds, sideBand := parseReceivePack(c)

		var report bytes.Buffer
		renc := pktline.NewEncoder(&report)
		renc.Encode([]byte("unpack ok\n"))
		for _, cmd := range cmds {
			renc.Encode([]byte(fmt.Sprintf("ng %s pushes are not supported, use the commit API\n", cmd.name)))
		}
		renc.Flush()

		c.Header("Cache-Control", "no-cache")
		c.Status(http.StatusOK)
		c.Header("Content-Type", "application/x-git-receive-pack-result")

		enc := pktline.NewEncoder(c.Writer)
		if sideBand {
			data := report.Bytes()
			for len(data) > 0 {
				n := len(data)
				if n > sideBandChunk {
					n = sideBandChunk
				}
				enc.Encode(append([]byte{1}, data[:n]...))
				data = data[n:]
			}
			enc.Flush()
			return
		}
		c.Writer.Write(report.Bytes())
	}
}
