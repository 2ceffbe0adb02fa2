package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/config"
	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ingestor.yaml")
	body := "db:\n  driver: sqlite\n  path: " + filepath.Join(dir, "feeds.db") + "\n" +
		"queue:\n  provider: memory\n" +
		"archive:\n  provider: none\n" +
		"logging:\n  development: false\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSourceDispatchPruneRoundTrip(t *testing.T) {
	cfgPath := writeConfig(t)

	// Loopback URLs are rejected by the URL guard, so dispatch finishes without network access.
	out, err := run(t, "--config", cfgPath, "source", "add",
		"--id", "df", "--url", "http://127.0.0.1/feeds/main", "--name", "Daring Fireball", "--rank", "1")
	require.NoError(t, err)
	var src ingest.Source
	require.NoError(t, json.Unmarshal([]byte(out), &src))
	assert.Equal(t, "df", src.ID)
	require.NotNil(t, src.Rank)
	assert.Equal(t, int32(1), *src.Rank)

	_, err = run(t, "--config", cfgPath, "source", "add", "--id", "zz", "--url", "http://localhost/rss")
	require.NoError(t, err)

	out, err = run(t, "--config", cfgPath, "source", "list")
	require.NoError(t, err)
	var sources []ingest.Source
	require.NoError(t, json.Unmarshal([]byte(out), &sources))
	require.Len(t, sources, 2)
	assert.Equal(t, "df", sources[0].ID)

	out, err = run(t, "--config", cfgPath, "dispatch")
	require.NoError(t, err)
	var res struct {
		DispatchID string `json:"dispatch_id"`
		Enqueued   int    `json:"enqueued"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Enqueued)
	assert.NotEmpty(t, res.DispatchID)

	// The one-shot dispatch consumed its own work: each source has one recorded attempt.
	for _, id := range []string{"df", "zz"} {
		out, err = run(t, "--config", cfgPath, "source", "get", id)
		require.NoError(t, err)
		var got ingest.Source
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, int64(1), got.FetchCount, id)
		assert.Equal(t, int64(1), got.ErrorCount, id)
		assert.Contains(t, got.LastError, "rejected", id)
		assert.NotNil(t, got.LastFetched, id)
	}

	out, err = run(t, "--config", cfgPath, "prune")
	require.NoError(t, err)
	assert.JSONEq(t, `{"deleted":0}`, out)
}

func TestSourceAddRequiresIDAndURL(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t), "source", "add", "--id", "only-id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--id and --url are required")
}

func TestSourceGetMissing(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t), "source", "get", "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestInspectRejectsPrivateAddress(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t), "inspect", "http://127.0.0.1/feed")
	require.Error(t, err)
	var fe *ingest.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ingest.KindRejected, fe.Kind)
}

func TestAppInitFailureSurfaces(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("boom")
	}

	_, err := run(t, "--config", writeConfig(t), "dispatch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize application services: boom")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "prune")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
