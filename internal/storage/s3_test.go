package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
	}{
		{
			"plain ascii",
			"model.safetensors",
			`attachment; filename="model.safetensors"; filename*=UTF-8''model.safetensors`,
		},
		{
			"spaces percent-encoded in the extended form",
			"my model.bin",
			`attachment; filename="my model.bin"; filename*=UTF-8''my%20model.bin`,
		},
		{
			"quotes and backslashes sanitized",
			`we"ird\name`,
			`attachment; filename="we_ird_name"; filename*=UTF-8''we%22ird%5Cname`,
		},
		{
			"non-ascii falls back to underscores",
			"モデル.bin",
			`attachment; filename="___.bin"; filename*=UTF-8''%E3%83%A2%E3%83%87%E3%83%AB.bin`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContentDisposition(tt.filename))
		})
	}
}

func TestRFC5987Encode(t *testing.T) {
	assert.Equal(t, "abc-123._~", rfc5987Encode("abc-123._~"))
	assert.Equal(t, "a%2Fb", rfc5987Encode("a/b"))
	assert.Equal(t, "%E2%82%AC", rfc5987Encode("€"))
}
