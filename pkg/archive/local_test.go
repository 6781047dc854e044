package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/promokit/pkg/archive"
)

func TestLocalArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := archive.NewLocalArchive(t.TempDir(), "webhooks")
	require.NoError(t, err)

	require.NoError(t, a.Archive(ctx, "paypal", "WH-1", []byte(`{"id":"WH-1"}`)))
	require.NoError(t, a.Archive(ctx, "paypal", "WH-2", []byte(`{"id":"WH-2"}`)))
	require.NoError(t, a.Archive(ctx, "stripe", "evt_1", []byte(`{}`)))
	// Redelivery overwrites.
	require.NoError(t, a.Archive(ctx, "paypal", "WH-1", []byte(`{"id":"WH-1","v":2}`)))

	keys, err := a.List(ctx, "paypal", time.Now())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	day := time.Now().UTC().Format("2006/01/02")
	assert.Equal(t, "webhooks/paypal/"+day+"/WH-1.json", keys[0])

	data, err := a.Get(ctx, keys[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"WH-1","v":2}`, string(data))

	keys, err = a.List(ctx, "paypal", time.Now().AddDate(0, 0, -3))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLocalArchiveRejectsTraversal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := archive.NewLocalArchive(t.TempDir(), "")
	require.NoError(t, err)

	require.ErrorIs(t, a.Archive(ctx, "../etc", "x", nil), archive.ErrInvalidKey)
	require.ErrorIs(t, a.Archive(ctx, "paypal", "../../passwd", nil), archive.ErrInvalidKey)
	_, err = a.Get(ctx, "../secret.json")
	require.ErrorIs(t, err, archive.ErrInvalidKey)
	_, err = a.Get(ctx, "paypal/2025/01/01/missing.json")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestLocalArchiveGeneratesMissingEventIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := archive.NewLocalArchive(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, a.Archive(ctx, "card", "", []byte(`{}`)))
	require.NoError(t, a.Archive(ctx, "card", "", []byte(`{}`)))

	keys, err := a.List(ctx, "card", time.Now())
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestNew(t *testing.T) {
	t.Parallel()

	a, err := archive.New(context.Background(), archive.Config{Driver: "none"})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = archive.New(context.Background(), archive.Config{Driver: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &archive.LocalArchive{}, a)

	_, err = archive.New(context.Background(), archive.Config{Driver: "gcs"})
	require.ErrorIs(t, err, archive.ErrInvalidConfig)

	_, err = archive.New(context.Background(), archive.Config{Driver: "s3"})
	require.ErrorIs(t, err, archive.ErrInvalidConfig)
}
