package training

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// Artifact is the serialized model: the fitted regressors plus everything
// prediction needs to rebuild the exact feature view training saw.
type Artifact struct {
	ModelName      string              `msgpack:"model_name"`
	Version        string              `msgpack:"version"`
	Tier           string              `msgpack:"tier"`
	FeatureCols    []string            `msgpack:"feature_cols"`
	Weights        map[string]float64  `msgpack:"weights"`
	TrainingRows   int                 `msgpack:"training_rows"`
	Metrics        domain.ModelMetrics `msgpack:"metrics"`
	Ridge          *Ridge              `msgpack:"ridge,omitempty"`
	Seasonal       *SeasonalNaive      `msgpack:"seasonal,omitempty"`
	TrainedAt      time.Time           `msgpack:"trained_at"`
	SchemaRevision int                 `msgpack:"schema_revision"`
}

// Regressor reassembles the ensemble recorded in the artifact.
func (a *Artifact) Regressor() (Regressor, error) {
	var members []Regressor
	var weights []float64
	if a.Ridge != nil {
		members = append(members, a.Ridge)
		weights = append(weights, a.Weights["ridge"])
	}
	if a.Seasonal != nil {
		members = append(members, a.Seasonal)
		weights = append(weights, a.Weights["seasonal_naive"])
	}
	if len(members) == 0 {
		return nil, &domain.ModelLoadError{Version: a.Version, Err: fmt.Errorf("artifact carries no regressors")}
	}
	if len(members) == 1 {
		return members[0], nil
	}
	return NewEnsemble(members, weights), nil
}

// ArtifactStore persists msgpack-encoded artifacts content-addressed by
// (tenant, model_name, version) under the model directory. Artifacts are
// immutable once written.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates an artifact store rooted at dir.
func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{dir: dir}
}

func (s *ArtifactStore) path(h tenant.Handle, modelName, version string) string {
	return filepath.Join(s.dir, h.ID(), modelName, version+".msgpack")
}

// Save writes an artifact. Writing over an existing version is refused.
func (s *ArtifactStore) Save(h tenant.Handle, a *Artifact) error {
	if err := tenant.Require(h); err != nil {
		return err
	}
	path := s.path(h, a.ModelName, a.Version)
	if _, err := os.Stat(path); err == nil {
		return &domain.ConflictError{Entity: "model_artifact", ExistingID: a.Version}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	raw, err := msgpack.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", a.Version, err)
	}
	// Write-then-rename keeps partially written artifacts invisible.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", a.Version, err)
	}
	return os.Rename(tmp, path)
}

// Load reads and decodes one artifact. Any failure is a ModelLoadError so
// callers can fall back to the last-known champion.
func (s *ArtifactStore) Load(h tenant.Handle, modelName, version string) (*Artifact, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path(h, modelName, version))
	if err != nil {
		return nil, &domain.ModelLoadError{Version: version, Err: err}
	}
	var a Artifact
	if err := msgpack.Unmarshal(raw, &a); err != nil {
		return nil, &domain.ModelLoadError{Version: version, Err: err}
	}
	if a.Version != version {
		return nil, &domain.ModelLoadError{Version: version, Err: fmt.Errorf("artifact claims version %s", a.Version)}
	}
	return &a, nil
}

// Exists reports whether a version's artifact is on disk.
func (s *ArtifactStore) Exists(h tenant.Handle, modelName, version string) bool {
	_, err := os.Stat(s.path(h, modelName, version))
	return err == nil
}
