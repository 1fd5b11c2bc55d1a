package gitbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

func branchSnapshot(t *testing.T, branch, headSHA string) *Snapshot {
	t.Helper()
	return &Snapshot{
		Branch: branch,
		Head:   object{sha: sha(t, headSHA)},
	}
}

func TestSelectWants(t *testing.T) {
	main := branchSnapshot(t, "main", "1111111111111111111111111111111111111111")
	dev := branchSnapshot(t, "dev", "2222222222222222222222222222222222222222")
	snaps := []*Snapshot{main, dev}

	t.Run("wants pick their branches", func(t *testing.T) {
		picked, err := selectWants(snaps, []string{dev.HeadSHA()})
		require.NoError(t, err)
		require.Len(t, picked, 1)
		assert.Equal(t, "dev", picked[0].Branch)
	})

	t.Run("multiple wants pick multiple branches", func(t *testing.T) {
		picked, err := selectWants(snaps, []string{main.HeadSHA(), dev.HeadSHA()})
		require.NoError(t, err)
		require.Len(t, picked, 2)
		assert.Equal(t, "main", picked[0].Branch)
		assert.Equal(t, "dev", picked[1].Branch)
	})

	t.Run("duplicate wants collapse", func(t *testing.T) {
		picked, err := selectWants(snaps, []string{main.HeadSHA(), main.HeadSHA()})
		require.NoError(t, err)
		assert.Len(t, picked, 1)
	})

	t.Run("unadvertised want is rejected", func(t *testing.T) {
		_, err := selectWants(snaps, []string{"3333333333333333333333333333333333333333"})
		require.Error(t, err)
		assert.Equal(t, 400, hub.StatusCode(err))
		assert.Contains(t, err.Error(), "not our ref")
	})
}
