package artifact

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mchmarny/churnctl/pkg/errs"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// MinModelBytes is the smallest model file considered intact.
	MinModelBytes = 10 * 1024

	TimestampFormat = "20060102_150405"

	currentLink   = "current"
	releasesDir   = "releases"
	stagingPrefix = ".staging-"
	backupPrefix  = "current.backup_"
)

// Validation describes a bundle that passed validation.
type Validation struct {
	ModelPath string `json:"model_path" yaml:"modelPath"`
	ModelSize int64  `json:"model_size" yaml:"modelSize"`
	Features  int    `json:"features" yaml:"features"`
	Valid     bool   `json:"valid" yaml:"valid"`
}

// Validate checks that the bundle in dir exists, is not implausibly small
// and decodes. minBytes <= 0 uses MinModelBytes.
func Validate(dir string, minBytes int64) (*Validation, error) {
	if minBytes <= 0 {
		minBytes = MinModelBytes
	}

	path := filepath.Join(dir, ModelFile)
	info, err := os.Stat(path)
	if err != nil {
		return nil, errs.New(errs.KindArtifact, "validate", errors.Wrapf(err, "model file not found: %s", path))
	}
	if info.Size() < minBytes {
		return nil, errs.Errorf(errs.KindArtifact, "validate",
			"model file too small, possibly corrupted: %d bytes (min %d)", info.Size(), minBytes)
	}

	b, err := Load(dir)
	if err != nil {
		return nil, err
	}

	return &Validation{
		ModelPath: path,
		ModelSize: info.Size(),
		Features:  len(b.Features),
		Valid:     true,
	}, nil
}

// Version is the marker written into every release.
type Version struct {
	Timestamp  string    `json:"timestamp" yaml:"timestamp"`
	DeployedAt time.Time `json:"deployed_at" yaml:"deployedAt"`
	ModelSize  int64     `json:"model_size" yaml:"modelSize"`
	Features   int       `json:"features" yaml:"features"`
	Source     string    `json:"source" yaml:"source"`
}

// Deployment is the outcome of a deploy.
type Deployment struct {
	Version  Version `json:"version" yaml:"version"`
	Release  string  `json:"release" yaml:"release"`
	Current  string  `json:"current" yaml:"current"`
	Previous string  `json:"previous,omitempty" yaml:"previous,omitempty"`
	Backup   string  `json:"backup,omitempty" yaml:"backup,omitempty"`
}

// Deploy publishes the bundle in src as the current release under serveDir.
//
// The bundle and its version marker are staged in releases/.staging-<ts>,
// renamed to releases/<ts> and activated by renaming a fresh symlink over
// serveDir/current. Earlier releases stay in place. A pre-existing current
// directory that is not a symlink is moved to current.backup_<ts>.
func Deploy(src, serveDir string, now time.Time) (*Deployment, error) {
	ts := now.Format(TimestampFormat)
	log := slog.Default().WithGroup("deploy")

	info, err := os.Stat(filepath.Join(src, ModelFile))
	if err != nil {
		return nil, errs.New(errs.KindDeployment, "deploy", errors.Wrap(err, "source model not found"))
	}

	releases := filepath.Join(serveDir, releasesDir)
	if err := os.MkdirAll(releases, dirMode); err != nil {
		return nil, errs.New(errs.KindDeployment, "create releases dir", err)
	}

	release := filepath.Join(releases, ts)
	if _, err := os.Lstat(release); err == nil {
		return nil, errs.Errorf(errs.KindDeployment, "deploy", "release already exists: %s", ts)
	}

	staging := filepath.Join(releases, stagingPrefix+ts)
	if err := os.RemoveAll(staging); err != nil {
		return nil, errs.New(errs.KindDeployment, "clean staging", err)
	}
	if err := os.Mkdir(staging, dirMode); err != nil {
		return nil, errs.New(errs.KindDeployment, "create staging", err)
	}

	for _, name := range append(append([]string{}, Files...), ReportFile) {
		err := copyFile(filepath.Join(src, name), filepath.Join(staging, name))
		if err != nil && name == ReportFile && errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errs.New(errs.KindDeployment, "stage "+name, err)
		}
	}

	b, err := Load(staging)
	if err != nil {
		return nil, errs.New(errs.KindDeployment, "verify staged bundle", err)
	}

	v := Version{
		Timestamp:  ts,
		DeployedAt: now.UTC(),
		ModelSize:  info.Size(),
		Features:   len(b.Features),
		Source:     src,
	}
	if err := writeYAML(filepath.Join(staging, VersionFile), v); err != nil {
		return nil, errs.New(errs.KindDeployment, "write version", err)
	}

	if err := os.Rename(staging, release); err != nil {
		return nil, errs.New(errs.KindDeployment, "promote staging", err)
	}
	log.Debug("release staged", "path", release)

	d := &Deployment{
		Version: v,
		Release: release,
		Current: filepath.Join(serveDir, currentLink),
	}

	fi, err := os.Lstat(d.Current)
	switch {
	case err == nil && fi.Mode()&os.ModeSymlink != 0:
		if target, err := os.Readlink(d.Current); err == nil {
			d.Previous = filepath.Join(serveDir, target)
		}
	case err == nil:
		d.Backup = filepath.Join(serveDir, backupPrefix+ts)
		if err := os.Rename(d.Current, d.Backup); err != nil {
			return nil, errs.New(errs.KindDeployment, "backup current", err)
		}
		log.Info("backed up existing deployment", "path", d.Backup)
	case !errors.Is(err, os.ErrNotExist):
		return nil, errs.New(errs.KindDeployment, "inspect current", err)
	}

	tmp := filepath.Join(serveDir, "."+currentLink+"-"+ts)
	_ = os.Remove(tmp)
	if err := os.Symlink(filepath.Join(releasesDir, ts), tmp); err != nil {
		return nil, errs.New(errs.KindDeployment, "create link", err)
	}
	if err := os.Rename(tmp, d.Current); err != nil {
		_ = os.Remove(tmp)
		return nil, errs.New(errs.KindDeployment, "swap current", err)
	}

	if _, err := os.Stat(filepath.Join(d.Current, ModelFile)); err != nil {
		return nil, errs.New(errs.KindDeployment, "verify deployment", err)
	}

	log.Info("model deployed", "release", ts, "size", v.ModelSize, "features", v.Features)
	return d, nil
}

// Current returns the version marker of the active release.
func Current(serveDir string) (*Version, error) {
	b, err := os.ReadFile(filepath.Join(serveDir, currentLink, VersionFile))
	if err != nil {
		return nil, errs.New(errs.KindArtifact, "read current version", err)
	}
	var v Version
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, errs.New(errs.KindArtifact, "decode current version", err)
	}
	return &v, nil
}

// CurrentDir returns the path of the active bundle.
func CurrentDir(serveDir string) string {
	return filepath.Join(serveDir, currentLink)
}

// Releases lists the release timestamps under serveDir, oldest first.
func Releases(serveDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(serveDir, releasesDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, errs.New(errs.KindArtifact, "list releases", err)
	}
	list := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			list = append(list, e.Name())
		}
	}
	sort.Strings(list)
	return list, nil
}

func writeYAML(path string, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal")
	}
	return errors.Wrapf(os.WriteFile(path, b, fileMode), "failed to write file: %s", path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
