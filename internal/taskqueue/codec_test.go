package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskCodec_DropsBackoffFunc(t *testing.T) {
	task := newTask("inst", 2)
	task.Retry.BackoffFunc = func(int) time.Duration { return time.Hour }
	task.NotBefore = time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)

	data, err := EncodeTask(task)
	require.NoError(t, err)

	got, err := DecodeTask(data)
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)
	require.Equal(t, 2, got.TaskID)
	require.Nil(t, got.Retry.BackoffFunc)
	require.True(t, task.NotBefore.Equal(got.NotBefore))
}

func TestTaskKey(t *testing.T) {
	require.Equal(t, "abc/1/2/3", TaskKey("abc", 1, 2, 3))
}
