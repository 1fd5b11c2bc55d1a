package repo

import (
	"path"
	"strings"

	"github.com/kohakuhub/kohakuhub/internal/shared/config"
)

// LFSPolicy is the effective large-file policy for one repository.
type LFSPolicy struct {
	ThresholdBytes int64
	KeepVersions   int
	SuffixRules    []string
}

// EffectivePolicy merges per-repo overrides with server defaults.
func EffectivePolicy(r *Repository, cfg *config.LFSConfig) LFSPolicy {
	p := LFSPolicy{
		ThresholdBytes: cfg.ThresholdBytes,
		KeepVersions:   cfg.KeepVersions,
		SuffixRules:    r.SuffixRules(),
	}
	if r.LFSThresholdBytes != nil {
		p.ThresholdBytes = *r.LFSThresholdBytes
	}
	if r.LFSKeepVersions != nil {
		p.KeepVersions = *r.LFSKeepVersions
	}
	return p
}

// IsLFS reports whether a file must be stored as LFS: at or above the
// threshold, or matching any suffix rule regardless of size.
func (p LFSPolicy) IsLFS(filePath string, size int64) bool {
	if size >= p.ThresholdBytes {
		return true
	}
	base := path.Base(filePath)
	for _, rule := range p.SuffixRules {
		if matched, err := path.Match(rule, base); err == nil && matched {
			return true
		}
		// Plain ".ext" rules are treated as suffix matches.
		if strings.HasPrefix(rule, ".") && strings.HasSuffix(base, rule) {
			return true
		}
	}
	return false
}
