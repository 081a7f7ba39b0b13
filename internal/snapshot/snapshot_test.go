package snapshot_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"metacontrol/internal/db"
	"metacontrol/internal/engine"
	"metacontrol/internal/migrate"
	"metacontrol/internal/model"
	"metacontrol/internal/snapshot"
)

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	eng, err := engine.New(conn, engine.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	m, err := model.FromYAML([]byte(model.Sample()))
	require.NoError(t, err)
	require.NoError(t, eng.ImportModel(ctx, m))
	return eng
}

func TestOnShutdownWritesEveryEntity(t *testing.T) {
	eng := newEngine(t)
	_, err := eng.Cycle(context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out", "error.yaml")
	require.NoError(t, snapshot.OnShutdown(eng.Repo, path, 5*time.Second, eng.Guard.Do, zaptest.NewLogger(t)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc snapshot.Document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, snapshot.Version, doc.Version)
	assert.Len(t, doc.Functions, 1)
	assert.Len(t, doc.QATypes, 3)
	assert.Len(t, doc.Components, 2)
	assert.Len(t, doc.FunctionDesigns, 2)
	require.Len(t, doc.Objectives, 1)
	require.Len(t, doc.Groundings, 1)
	assert.Equal(t, "fd_laser_nav", doc.Groundings[0].Design)
	assert.Len(t, doc.FunctionDesigns[0].Estimations, 3)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestOnShutdownRespectsTimeout(t *testing.T) {
	eng := newEngine(t)
	path := filepath.Join(t.TempDir(), "error.yaml")

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = eng.Guard.Do(context.Background(), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err := snapshot.OnShutdown(eng.Repo, path, 50*time.Millisecond, eng.Guard.Do, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
