package artifact

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(t *testing.T) *dataset.Frame {
	t.Helper()
	res, err := dataset.Clean(dataset.Synthetic(150, 3))
	require.NoError(t, err)
	return res.Frame
}

func testBundle(t *testing.T) *Bundle {
	t.Helper()
	f := testFrame(t)
	require.NoError(t, dataset.Derive(f))

	enc := model.FitEncoders(f, dataset.ColCustomerID)
	features := slices.DeleteFunc(slices.Clone(f.Columns), func(c string) bool {
		return c == dataset.ColCustomerID || c == dataset.ColChurn
	})

	X, err := model.Matrix(f, features, enc)
	require.NoError(t, err)
	y, err := model.Labels(f, dataset.ColChurn, enc)
	require.NoError(t, err)

	s, err := model.FitScaler(features, X)
	require.NoError(t, err)
	Xs, err := s.Transform(X)
	require.NoError(t, err)

	p := model.DefaultParams()
	p.NumTrees = 5
	p.MaxDepth = 3
	b := model.NewBooster(p, features)
	require.NoError(t, b.Fit(context.Background(), Xs, y, nil))

	return &Bundle{Model: b, Features: features, Encoders: enc, Scaler: s}
}

func saveBundle(t *testing.T, b *Bundle) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "model")
	path, err := b.Save(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ModelFile), path)
	return dir
}

func TestBundle_SaveLoadPredict(t *testing.T) {
	b := testBundle(t)
	dir := saveBundle(t, b)

	for _, name := range Files {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, b.Features, loaded.Features)
	assert.Equal(t, b.Encoders.Columns(), loaded.Encoders.Columns())

	f := testFrame(t)
	want, err := b.Predict(f)
	require.NoError(t, err)
	got, err := loaded.Predict(f)
	require.NoError(t, err)
	require.Len(t, got, f.Len())
	assert.Equal(t, want, got)
	assert.False(t, f.Has(dataset.ColAvgChargesPerMonth), "input not modified")
}

func TestBundle_SaveIncomplete(t *testing.T) {
	_, err := (&Bundle{}).Save(t.TempDir())
	assert.True(t, errs.Is(err, errs.KindArtifact))
}

func TestLoad_Corrupt(t *testing.T) {
	dir := saveBundle(t, testBundle(t))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ScalerFile), []byte("{"), 0600))

	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindArtifact))
}

func TestValidate(t *testing.T) {
	dir := saveBundle(t, testBundle(t))

	v, err := Validate(dir, 100)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Positive(t, v.ModelSize)
	assert.Positive(t, v.Features)

	_, err = Validate(dir, 1<<40)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindArtifact))

	_, err = Validate(t.TempDir(), 0)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindArtifact))
}

func TestDeploy_KeepsPreviousRelease(t *testing.T) {
	src := saveBundle(t, testBundle(t))
	_, err := SaveReport(src, model.NewClassificationReport([]int{0, 1}, []int{0, 1}))
	require.NoError(t, err)

	serve := t.TempDir()
	t1 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	d1, err := Deploy(src, serve, t1)
	require.NoError(t, err)
	assert.Empty(t, d1.Previous)
	assert.Empty(t, d1.Backup)
	assert.FileExists(t, filepath.Join(d1.Release, ReportFile))

	d2, err := Deploy(src, serve, t2)
	require.NoError(t, err)
	assert.Equal(t, d1.Release, d2.Previous)

	releases, err := Releases(serve)
	require.NoError(t, err)
	assert.Equal(t, []string{"20260102_030405", "20260102_040405"}, releases)

	// old release intact
	for _, name := range Files {
		assert.FileExists(t, filepath.Join(d1.Release, name))
	}

	// exactly one current file per artifact type
	entries, err := os.ReadDir(CurrentDir(serve))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, append(append([]string{}, Files...), ReportFile, VersionFile), names)

	v, err := Current(serve)
	require.NoError(t, err)
	assert.Equal(t, "20260102_040405", v.Timestamp)
	assert.True(t, t2.Equal(v.DeployedAt))
	assert.Positive(t, v.ModelSize)

	_, err = Deploy(src, serve, t2)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDeployment))
}

func TestDeploy_BacksUpLegacyDirectory(t *testing.T) {
	src := saveBundle(t, testBundle(t))
	serve := t.TempDir()

	legacy := filepath.Join(serve, "current")
	require.NoError(t, os.MkdirAll(legacy, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(legacy, ModelFile), []byte("old"), 0600))

	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	d, err := Deploy(src, serve, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(serve, "current.backup_20260506_070809"), d.Backup)

	old, err := os.ReadFile(filepath.Join(d.Backup, ModelFile))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))

	fi, err := os.Lstat(legacy)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink)
}

func TestDeploy_MissingSource(t *testing.T) {
	_, err := Deploy(t.TempDir(), t.TempDir(), time.Now())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDeployment))
}
