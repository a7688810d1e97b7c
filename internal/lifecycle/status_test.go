package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsActive(t *testing.T) {
	cases := []struct {
		status Status
		active bool
	}{
		{Pending, true},
		{InProgress, true},
		{Completed, false},
		{Cancelled, false},
		{Status("archived"), false},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.active, IsActive(tc.status))
		})
	}
}

func TestActiveMatchesPredicate(t *testing.T) {
	assert.Equal(t, []Status{Pending, InProgress}, Active())
}

func TestTransitionIsPermissive(t *testing.T) {
	for _, from := range All() {
		for _, to := range All() {
			got, err := Transition(from, to)
			require.NoError(t, err, "%s -> %s", from, to)
			assert.Equal(t, to, got)
		}
	}
}

func TestTransitionRejectsUnknownTarget(t *testing.T) {
	got, err := Transition(Completed, Status("reopened"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, Completed, got)
}

func TestParse(t *testing.T) {
	s, err := Parse("In Progress")
	require.NoError(t, err)
	assert.Equal(t, InProgress, s)

	s, err = Parse(" cancelled ")
	require.NoError(t, err)
	assert.Equal(t, Cancelled, s)

	_, err = Parse("done")
	assert.Error(t, err)
}

func TestInitialIsPending(t *testing.T) {
	assert.Equal(t, Pending, Initial)
}
