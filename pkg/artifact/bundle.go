package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/pkg/errors"
)

const (
	ModelFile    = "churn_model.json"
	FeaturesFile = "features.json"
	EncodersFile = "label_encoders.json"
	ScalerFile   = "scaler.json"
	ReportFile   = "classification_report.json"
	VersionFile  = "version.yaml"

	dirMode  = 0700
	fileMode = 0600
)

// Files lists the four files that make up a bundle.
var Files = []string{ModelFile, FeaturesFile, EncodersFile, ScalerFile}

// Bundle is a trained model together with everything needed to apply it to
// raw customer data. It is not modified after training.
type Bundle struct {
	Model    *model.Booster
	Features []string
	Encoders model.Encoders
	Scaler   *model.StandardScaler
}

// Save writes the bundle files into dir and returns the model file path.
func (b *Bundle) Save(dir string) (string, error) {
	if b == nil || b.Model == nil || b.Scaler == nil {
		return "", errs.Errorf(errs.KindArtifact, "save bundle", "incomplete bundle")
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", errs.New(errs.KindArtifact, "create "+dir, err)
	}

	items := map[string]any{
		ModelFile:    b.Model,
		FeaturesFile: b.Features,
		EncodersFile: b.Encoders,
		ScalerFile:   b.Scaler,
	}
	for _, name := range Files {
		if err := writeJSON(filepath.Join(dir, name), items[name]); err != nil {
			return "", errs.New(errs.KindArtifact, "save "+name, err)
		}
	}
	return filepath.Join(dir, ModelFile), nil
}

// Load reads a bundle from dir.
func Load(dir string) (*Bundle, error) {
	b := &Bundle{
		Model:    &model.Booster{},
		Encoders: make(model.Encoders),
		Scaler:   &model.StandardScaler{},
	}
	items := map[string]any{
		ModelFile:    b.Model,
		FeaturesFile: &b.Features,
		EncodersFile: &b.Encoders,
		ScalerFile:   b.Scaler,
	}
	for _, name := range Files {
		if err := readJSON(filepath.Join(dir, name), items[name]); err != nil {
			return nil, errs.New(errs.KindArtifact, "load "+name, err)
		}
	}

	if len(b.Features) == 0 {
		return nil, errs.Errorf(errs.KindArtifact, "load bundle", "empty feature list")
	}
	if len(b.Model.Features) != len(b.Features) || len(b.Scaler.Mean) != len(b.Features) {
		return nil, errs.Errorf(errs.KindArtifact, "load bundle",
			"feature count mismatch: features=%d model=%d scaler=%d",
			len(b.Features), len(b.Model.Features), len(b.Scaler.Mean))
	}
	if len(b.Model.Trees) == 0 {
		return nil, errs.Errorf(errs.KindArtifact, "load bundle", "model has no trees")
	}
	return b, nil
}

// Predict returns the churn probability of every row of a cleaned frame.
// Derived features are added when missing; the input frame is not modified.
func (b *Bundle) Predict(f *dataset.Frame) ([]float64, error) {
	c := f.Clone()
	if !c.Has(dataset.ColAvgChargesPerMonth) {
		if err := dataset.Derive(c); err != nil {
			return nil, err
		}
	}

	X, err := model.Matrix(c, b.Features, b.Encoders)
	if err != nil {
		return nil, errs.New(errs.KindArtifact, "build features", err)
	}
	Xs, err := b.Scaler.Transform(X)
	if err != nil {
		return nil, errs.New(errs.KindArtifact, "scale features", err)
	}
	return b.Model.PredictProba(Xs), nil
}

// SaveReport writes the classification report next to the bundle.
func SaveReport(dir string, r *model.ClassificationReport) (string, error) {
	path := filepath.Join(dir, ReportFile)
	if err := writeJSON(path, r); err != nil {
		return "", errs.New(errs.KindArtifact, "save "+ReportFile, err)
	}
	return path, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal")
	}
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return errors.Wrapf(err, "failed to write file: %s", path)
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read file: %s", path)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrapf(err, "failed to decode file: %s", path)
	}
	return nil
}
