package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubscriberEmail(t *testing.T) {
	got, err := ParseSubscriberEmail("  ursula@example.com ")
	require.NoError(t, err)
	assert.Equal(t, "ursula@example.com", got)

	for _, bad := range []string{"", "domain.com", "@domain.com", "ursula@"} {
		_, err := ParseSubscriberEmail(bad)
		assert.ErrorIs(t, err, ErrInvalidSubscriberEmail, "input %q", bad)
	}
}
