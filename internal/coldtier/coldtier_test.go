package coldtier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zseilabs/zsei/internal/recio"
	"github.com/zseilabs/zsei/model"
)

func writeTier(t *testing.T, codec Codec, n int) (string, []model.ContainerID) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cold.bin")
	w, err := NewWriter(path, codec)
	require.NoError(t, err)

	ids := make([]model.ContainerID, n)
	for i := range ids {
		payload := []byte(fmt.Sprintf("payload-%04d repeated repeated repeated", i))
		ids[i] = model.DeriveID(payload)
		framed := recio.EncodeContainer(ids[i], uint32(i+1), payload, nil, int64(i))
		require.NoError(t, w.Add(ids[i], uint32(i+1), framed))
	}
	require.NoError(t, w.Finish())
	return path, ids
}

func TestTierRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecZSTD} {
		t.Run(fmt.Sprintf("codec_%d", codec), func(t *testing.T) {
			path, ids := writeTier(t, codec, 50)
			tier, err := Open(path, 1<<20)
			require.NoError(t, err)
			defer tier.Close()

			assert.Equal(t, 50, tier.Len())
			for i, id := range ids {
				require.True(t, tier.Contains(id, uint32(i+1)))
				r, err := tier.Read(context.Background(), id, uint32(i+1))
				require.NoError(t, err)
				assert.Equal(t, id, r.ID)
				assert.Equal(t, uint32(i+1), r.Version)

				body, err := recio.ParseContainerBody(r.Body)
				require.NoError(t, err)
				assert.Equal(t, recio.HashPayload(body.Payload), r.PayloadHash)
			}
		})
	}
}

func TestTierPageCacheHits(t *testing.T) {
	path, ids := writeTier(t, CodecLZ4, 10)
	tier, err := Open(path, 1<<20)
	require.NoError(t, err)
	defer tier.Close()

	for i := 0; i < 3; i++ {
		_, err := tier.Read(context.Background(), ids[0], 1)
		require.NoError(t, err)
	}
	hits, misses := tier.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestTierDetectsBlockCorruption(t *testing.T) {
	path, ids := writeTier(t, CodecZSTD, 10)

	// Flip one byte inside the first block's compressed data.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[4+13+2] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	tier, err := Open(path, 1<<20)
	require.NoError(t, err)
	defer tier.Close()

	_, err = tier.Read(context.Background(), ids[0], 1)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestTierRejectsTruncatedFile(t *testing.T) {
	path, _ := writeTier(t, CodecNone, 5)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-6], 0o600))

	_, err = Open(path, 0)
	assert.Error(t, err)
}

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{"", CodecNone, false},
		{"none", CodecNone, false},
		{"lz4", CodecLZ4, false},
		{"zstd", CodecZSTD, false},
		{"gzip", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCodec(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
		} else {
			require.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got)
		}
	}
}
