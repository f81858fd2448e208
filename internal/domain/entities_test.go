package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

func TestServiceLimits_Limit(t *testing.T) {
	t.Parallel()
	l := domain.DefaultServiceLimits()
	assert.Equal(t, 10, l.Limit(domain.ServiceImage))
	assert.Equal(t, 2, l.Limit(domain.ServiceVideo))
	assert.Equal(t, 1, l.Limit(domain.ServiceAvatar))
	assert.Equal(t, 0, l.Limit(domain.ServiceKind("bogus")))
}

func TestParseServiceKind(t *testing.T) {
	t.Parallel()
	k, err := domain.ParseServiceKind("image")
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceImage, k)
	_, err = domain.ParseServiceKind("audio")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestSessionDailyUsage_Count(t *testing.T) {
	t.Parallel()
	u := domain.SessionDailyUsage{ImageCount: 3, VideoCount: 1, AvatarCount: 2}
	assert.Equal(t, 3, u.Count(domain.ServiceImage))
	assert.Equal(t, 1, u.Count(domain.ServiceVideo))
	assert.Equal(t, 2, u.Count(domain.ServiceAvatar))
	assert.Equal(t, 0, u.Count(domain.ServiceKind("nope")))
}
