package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kohakuhub/kohakuhub/internal/shared/config"
)

func TestEffectivePolicy(t *testing.T) {
	cfg := &config.LFSConfig{ThresholdBytes: 10 << 20, KeepVersions: 5}

	t.Run("server defaults", func(t *testing.T) {
		p := EffectivePolicy(&Repository{}, cfg)
		assert.Equal(t, int64(10<<20), p.ThresholdBytes)
		assert.Equal(t, 5, p.KeepVersions)
		assert.Empty(t, p.SuffixRules)
	})

	t.Run("repo overrides win", func(t *testing.T) {
		threshold := int64(1 << 20)
		keep := 2
		r := &Repository{
			LFSThresholdBytes: &threshold,
			LFSKeepVersions:   &keep,
			LFSSuffixRules:    `[".safetensors", "*.bin"]`,
		}
		p := EffectivePolicy(r, cfg)
		assert.Equal(t, threshold, p.ThresholdBytes)
		assert.Equal(t, keep, p.KeepVersions)
		assert.Equal(t, []string{".safetensors", "*.bin"}, p.SuffixRules)
	})

	t.Run("invalid suffix json ignored", func(t *testing.T) {
		p := EffectivePolicy(&Repository{LFSSuffixRules: "{broken"}, cfg)
		assert.Empty(t, p.SuffixRules)
	})
}

func TestLFSPolicy_IsLFS(t *testing.T) {
	policy := LFSPolicy{
		ThresholdBytes: 1000,
		SuffixRules:    []string{".safetensors", "*.bin"},
	}

	tests := []struct {
		name string
		path string
		size int64
		want bool
	}{
		{"below threshold", "README.md", 999, false},
		{"at threshold", "README.md", 1000, true},
		{"above threshold", "README.md", 1001, true},
		{"suffix rule small file", "model.safetensors", 1, true},
		{"glob rule small file", "weights/pytorch_model.bin", 1, true},
		{"nested path below threshold", "docs/guide.md", 10, false},
		{"zero byte file", "empty.txt", 0, false},
		{"zero byte matching suffix", "empty.safetensors", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.IsLFS(tt.path, tt.size))
		})
	}
}
