package rsmq

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateQueueName(t *testing.T) {
	for _, name := range []string{"jobs", "a", "A-b_C-9", strings.Repeat("x", 160)} {
		require.NoError(t, ValidateQueueName(name), name)
	}
	for _, name := range []string{"", " ", "a b", "a:b", "über", strings.Repeat("x", 161), "jobs\n"} {
		err := ValidateQueueName(name)
		require.ErrorIs(t, err, ErrValidation, "%q", name)

		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		require.Equal(t, "queue name", ve.Field)
	}
}

func TestValidateSecondsRange(t *testing.T) {
	require.NoError(t, validateSeconds("vt", 0))
	require.NoError(t, validateSeconds("vt", MaxSeconds))
	require.ErrorIs(t, validateSeconds("vt", -1), ErrValidation)
	require.ErrorIs(t, validateSeconds("delay", MaxSeconds+1), ErrValidation)
}

func TestValidateMaxSize(t *testing.T) {
	for _, v := range []int{-1, 1024, 4096, 65536} {
		require.NoError(t, validateMaxSize(v), v)
	}
	for _, v := range []int{-2, 0, 1023, 65537} {
		require.ErrorIs(t, validateMaxSize(v), ErrValidation, v)
	}
}

func TestValidation_NoStoreAccess(t *testing.T) {
	s, rdb := newTestRedis(t)
	c := newTestClient(t, rdb)
	ctx := context.Background()

	require.ErrorIs(t, c.CreateQueue(ctx, "bad name"), ErrValidation)
	require.ErrorIs(t, c.CreateQueue(ctx, "q", QueueVisibilityTimeout(-1)), ErrValidation)
	require.ErrorIs(t, c.CreateQueue(ctx, "q", QueueDelay(MaxSeconds+1)), ErrValidation)
	require.ErrorIs(t, c.CreateQueue(ctx, "q", QueueMaxSize(10)), ErrValidation)

	_, err := c.SendMessage(ctx, "q", []byte("x"), SendDelay(-5))
	require.ErrorIs(t, err, ErrValidation)
	_, err = c.ReceiveMessage(ctx, "q", ReceiveVisibility(MaxSeconds+1))
	require.ErrorIs(t, err, ErrValidation)
	_, err = c.DeleteMessage(ctx, "q", "not-an-id")
	require.ErrorIs(t, err, ErrValidation)
	_, err = c.ChangeMessageVisibility(ctx, "q", "not-an-id", 10)
	require.ErrorIs(t, err, ErrValidation)

	require.Empty(t, s.Keys())
	require.EqualValues(t, 0, s.CommandCount())
}
