package score

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applypilot/applypilot/internal/engine"
)

func TestScoreTitleMatch(t *testing.T) {
	t.Parallel()
	scorer := NewKeyword()
	profile := engine.UserProfile{RoleTitles: []string{"Backend Engineer"}}

	score, reasons, err := scorer.Score(context.Background(), profile, engine.JobPosting{
		Title: "Senior Backend Engineer",
	})
	require.NoError(t, err)
	assert.Equal(t, 75, score)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "Backend Engineer")
}

func TestScoreTokenOverlapIsWeaker(t *testing.T) {
	t.Parallel()
	scorer := NewKeyword()
	profile := engine.UserProfile{RoleTitles: []string{"Backend Engineer"}}

	full, _, err := scorer.Score(context.Background(), profile, engine.JobPosting{
		Title: "Backend Engineer",
	})
	require.NoError(t, err)
	partial, _, err := scorer.Score(context.Background(), profile, engine.JobPosting{
		Title: "Platform Engineer",
	})
	require.NoError(t, err)
	assert.Greater(t, full, partial)
	assert.Greater(t, partial, baseScore)
}

func TestScoreLocationAndRemote(t *testing.T) {
	t.Parallel()
	scorer := NewKeyword()
	profile := engine.UserProfile{
		RoleTitles: []string{"Backend Engineer"},
		Locations:  []string{"Berlin"},
		WorkModes:  []engine.WorkMode{engine.WorkModeRemote},
	}

	score, reasons, err := scorer.Score(context.Background(), profile, engine.JobPosting{
		Title:    "Backend Engineer",
		Location: "Berlin (Remote)",
	})
	require.NoError(t, err)
	assert.Equal(t, 90, score)
	assert.Len(t, reasons, 3)
}

func TestScoreClampsAtHundred(t *testing.T) {
	t.Parallel()
	scorer := NewKeyword()
	profile := engine.UserProfile{
		RoleTitles:       []string{"Backend Engineer", "Data Engineer"},
		Locations:        []string{"Berlin"},
		WorkModes:        []engine.WorkMode{engine.WorkModeRemote},
		ExperienceLevels: []string{"senior"},
	}

	score, _, err := scorer.Score(context.Background(), profile, engine.JobPosting{
		Title:       "Backend Engineer",
		Location:    "Berlin, remote",
		Description: "Senior backend engineer building data pipelines. Remote friendly engineer role.",
	})
	require.NoError(t, err)
	assert.Equal(t, 100, score)
}

func TestScoreEmptyProfileIsBaseline(t *testing.T) {
	t.Parallel()
	scorer := NewKeyword()

	score, reasons, err := scorer.Score(context.Background(), engine.UserProfile{}, engine.JobPosting{
		Title: "Backend Engineer",
	})
	require.NoError(t, err)
	assert.Equal(t, baseScore, score)
	assert.Empty(t, reasons)
}

func TestScoreIsDeterministic(t *testing.T) {
	t.Parallel()
	scorer := NewKeyword()
	profile := engine.UserProfile{RoleTitles: []string{"Site Reliability Engineer"}}
	posting := engine.JobPosting{Title: "Site Reliability Engineer", Description: "reliability at scale"}

	first, _, err := scorer.Score(context.Background(), profile, posting)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, _, err := scorer.Score(context.Background(), profile, posting)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
