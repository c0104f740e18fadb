package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fieldsync/internal/api"
	"github.com/example/fieldsync/internal/queue"
	"github.com/example/fieldsync/internal/remote"
	"github.com/example/fieldsync/internal/storage"
	"github.com/example/fieldsync/internal/types"
)

type daemon struct {
	url           string
	remote        *remote.Memory
	incidents     *queue.Queue[types.Incident]
	distributions *queue.Queue[types.Distribution]
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	ctx := context.Background()
	kv := storage.NewMemory()
	r := remote.NewMemory()
	r.SetOnline(false)

	incidents, err := queue.Open[types.Incident](ctx, kv, r, zerolog.Nop(), queue.WithImmediateSync(false))
	require.NoError(t, err)
	distributions, err := queue.Open[types.Distribution](ctx, kv, r, zerolog.Nop(), queue.WithImmediateSync(false))
	require.NoError(t, err)
	incidents.Start(ctx)
	distributions.Start(ctx)
	t.Cleanup(incidents.Close)
	t.Cleanup(distributions.Close)

	srv := httptest.NewServer(api.New(incidents, distributions, zerolog.Nop()).Routes())
	t.Cleanup(srv.Close)
	return &daemon{url: srv.URL, remote: r, incidents: incidents, distributions: distributions}
}

func run(t *testing.T, d *daemon, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--addr", d.url}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"status"}, {"sync"}, {"list"}, {"submit", "incident"}, {"submit", "distribution"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestSubmitThenStatus(t *testing.T) {
	d := startDaemon(t)

	out, err := run(t, d, "submit", "incident", "--zip", "10001", "--gender", "Female", "--age", "26-35", "--narcan", "--survival", "Survived")
	require.NoError(t, err)
	assert.Contains(t, out, "saved incident ")

	records := d.incidents.Records()
	require.Len(t, records, 1)
	assert.Equal(t, types.Incident{ZipCode: "10001", Gender: "Female", ApproxAge: "26-35", NarcanUsed: true, Survival: "Survived"}, records[0].Payload)

	out, err = run(t, d, "status")
	require.NoError(t, err)
	assert.Regexp(t, `incident\s+1\s+1`, out)
	assert.Regexp(t, `distribution\s+0\s+0`, out)
}

func TestSubmitDistributionJSON(t *testing.T) {
	d := startDaemon(t)

	out, err := run(t, d, "--format", "json", "submit", "distribution", "--zip", "10001", "--kit-type", "narcan", "--kits", "3")
	require.NoError(t, err)

	var rec types.Record[types.Distribution]
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, 3, rec.Payload.KitsGiven)
	assert.False(t, rec.Synced)
}

func TestSubmitSurfacesValidationError(t *testing.T) {
	d := startDaemon(t)

	_, err := run(t, d, "submit", "distribution", "--zip", "10001", "--kit-type", "narcan", "--kits", "0")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Contains(t, apiErr.Message, "kits_given")
}

func TestSyncReportsLeftoversThenDrains(t *testing.T) {
	d := startDaemon(t)
	_, err := run(t, d, "submit", "incident", "--zip", "10001", "--gender", "Male", "--age", "36-45", "--survival", "Survived")
	require.NoError(t, err)

	out, err := run(t, d, "sync")
	assert.EqualError(t, err, "records remain pending")
	assert.Regexp(t, `incident\s+1\s+0\s+1\s+1`, out)

	d.remote.SetOnline(true)
	out, err = run(t, d, "sync")
	require.NoError(t, err)
	assert.Regexp(t, `incident\s+1\s+1\s+0\s+0`, out)
	assert.Equal(t, 0, d.incidents.PendingCount())
}

func TestListPendingOnly(t *testing.T) {
	d := startDaemon(t)
	for i := 0; i < 2; i++ {
		_, err := run(t, d, "submit", "incident", "--zip", "10001", "--gender", "Male", "--age", "36-45", "--survival", "Survived")
		require.NoError(t, err)
	}
	d.remote.SetOnline(true)
	_, err := d.incidents.SyncPending(context.Background())
	require.NoError(t, err)
	_, err = run(t, d, "submit", "incident", "--zip", "10002", "--gender", "Male", "--age", "36-45", "--survival", "Survived")
	require.NoError(t, err)

	out, err := run(t, d, "--format", "json", "list", "incidents", "--pending")
	require.NoError(t, err)
	var records []types.Record[types.Incident]
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "10002", records[0].Payload.ZipCode)
}

func TestInvalidFormatRejected(t *testing.T) {
	d := startDaemon(t)
	_, err := run(t, d, "--format", "yaml", "status")
	assert.ErrorContains(t, err, "invalid format")
}
