package storage_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electronicpartnerio/realtime-communication/internal/storage"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/memory"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("quota exceeded")
}
func (failingStore) Set(context.Context, string, string) error { return errors.New("quota exceeded") }
func (failingStore) Delete(context.Context, string) error      { return errors.New("quota exceeded") }
func (failingStore) Keys(context.Context, string) ([]string, error) {
	return nil, errors.New("quota exceeded")
}
func (failingStore) Close() error { return nil }

func TestReadJSON_CorruptedContent(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "{oops"},
		{"wrong shape", `"a string"`},
		{"blank", "   "},
		{"truncated array", `[{"jobId":"A"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			require.NoError(t, s.Set(ctx, "k", tt.raw))

			var out map[string]string
			ok := storage.ReadJSON(ctx, quiet, s, "k", &out)
			assert.False(t, ok)
			assert.Empty(t, out)
		})
	}
}

func TestReadJSON_Missing(t *testing.T) {
	var out []int
	assert.False(t, storage.ReadJSON(context.Background(), quiet, memory.New(), "missing", &out))
	assert.Nil(t, out)
}

func TestWriteThenRead(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	in := map[string]int{"a": 1, "b": 2}
	require.True(t, storage.WriteJSON(ctx, quiet, s, "k", in))

	var out map[string]int
	require.True(t, storage.ReadJSON(ctx, quiet, s, "k", &out))
	assert.Equal(t, in, out)

	require.True(t, storage.Remove(ctx, quiet, s, "k"))
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccessorsSwallowFailures(t *testing.T) {
	ctx := context.Background()
	var out []string

	assert.NotPanics(t, func() {
		assert.False(t, storage.ReadJSON(ctx, quiet, failingStore{}, "k", &out))
		assert.False(t, storage.WriteJSON(ctx, quiet, failingStore{}, "k", []string{"x"}))
		assert.False(t, storage.Remove(ctx, quiet, failingStore{}, "k"))
	})
	assert.Nil(t, out)
}

func TestWriteJSON_Unencodable(t *testing.T) {
	assert.False(t, storage.WriteJSON(context.Background(), quiet, memory.New(), "k", make(chan int)))
}
