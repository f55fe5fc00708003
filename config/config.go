// Package config loads the lifecycle configuration.
//
// The configuration is a YAML document. Missing fields take their defaults
// from Default; the merged result is then checked against an embedded CUE
// schema so that every constraint violation is reported at once.
package config

import (
	"bytes"
	"context"
	_ "embed"
	stderrors "errors"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"gopkg.in/yaml.v3"

	"github.com/sparesparrow/lifecycle/cachekey"
	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/logging"
	"github.com/sparesparrow/lifecycle/registry"
	"github.com/sparesparrow/lifecycle/retention"
	"github.com/sparesparrow/lifecycle/storage"
	"github.com/sparesparrow/lifecycle/versioning"
)

//go:embed schema.cue
var schemaSource string

// DefaultFile is the configuration file looked up when none is named.
const DefaultFile = "lifecycle.yaml"

// Config is the complete lifecycle configuration.
type Config struct {
	// StatePath is the directory holding the registry, version histories
	// and rollback plans.
	StatePath    string `json:"statePath" yaml:"statePath"`
	RegistryFile string `json:"registryFile" yaml:"registryFile"`

	Log        Log               `json:"log" yaml:"log"`
	Hashing    Hashing           `json:"hashing" yaml:"hashing"`
	CacheKey   CacheKey          `json:"cacheKey" yaml:"cacheKey"`
	Retention  map[string]Policy `json:"retention" yaml:"retention"`
	Storage    Storage           `json:"storage" yaml:"storage"`
	Versioning Versioning        `json:"versioning" yaml:"versioning"`
	Conan      Conan             `json:"conan" yaml:"conan"`
	Server     Server            `json:"server" yaml:"server"`
}

// Log configures logging.
type Log struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
}

// Hashing configures the hashing engine.
type Hashing struct {
	Algorithms  []string `json:"algorithms" yaml:"algorithms"`
	Concurrency int      `json:"concurrency" yaml:"concurrency"`
}

// CacheKey configures cache key derivation.
type CacheKey struct {
	Algorithm     string   `json:"algorithm" yaml:"algorithm"`
	SourceRoot    string   `json:"sourceRoot" yaml:"sourceRoot"`
	SourceInclude []string `json:"sourceInclude" yaml:"sourceInclude"`
	SourceExclude []string `json:"sourceExclude" yaml:"sourceExclude"`
	BinaryInclude []string `json:"binaryInclude" yaml:"binaryInclude"`
	BinaryExclude []string `json:"binaryExclude" yaml:"binaryExclude"`
	// Profile is the Conan profile whose settings form the binary key.
	Profile string `json:"profile" yaml:"profile"`
}

// Policy is the retention policy of one stage.
type Policy struct {
	MaxAgeDays  int `json:"maxAgeDays" yaml:"maxAgeDays"`
	MaxVersions int `json:"maxVersions" yaml:"maxVersions"`
}

// Storage configures artifact storage.
type Storage struct {
	DeleteTimeout time.Duration `json:"deleteTimeout" yaml:"deleteTimeout"`
	// LocalRoot is the directory file:// and bare locations resolve against.
	LocalRoot string `json:"localRoot" yaml:"localRoot"`
	MinIO     MinIO  `json:"minio" yaml:"minio"`
}

// MinIO configures the s3:// backend. An empty endpoint disables it.
type MinIO struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	AccessKey string `json:"accessKey" yaml:"accessKey"`
	SecretKey string `json:"secretKey" yaml:"secretKey"`
	UseSSL    bool   `json:"useSSL" yaml:"useSSL"`
	Prefix    string `json:"prefix" yaml:"prefix"`
}

// Versioning configures version generation and rollback.
type Versioning struct {
	Stage            string        `json:"stage" yaml:"stage"`
	PreReleaseSuffix string        `json:"preReleaseSuffix" yaml:"preReleaseSuffix"`
	BuildMetadata    bool          `json:"buildMetadata" yaml:"buildMetadata"`
	CallTimeout      time.Duration `json:"callTimeout" yaml:"callTimeout"`
	Rollback         Rollback      `json:"rollback" yaml:"rollback"`
}

// Rollback configures rollback validation.
type Rollback struct {
	Enabled              bool `json:"enabled" yaml:"enabled"`
	CompatibilityChecks  bool `json:"compatibilityChecks" yaml:"compatibilityChecks"`
	DependencyValidation bool `json:"dependencyValidation" yaml:"dependencyValidation"`
	MaxPatchDistance     int  `json:"maxPatchDistance" yaml:"maxPatchDistance"`
}

// Conan configures the conan CLI client.
type Conan struct {
	Remote    string        `json:"remote" yaml:"remote"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	BackupDir string        `json:"backupDir" yaml:"backupDir"`
}

// Server configures artifactctl serve.
type Server struct {
	Listen        string        `json:"listen" yaml:"listen"`
	SweepInterval time.Duration `json:"sweepInterval" yaml:"sweepInterval"`
}

// Default returns the stock configuration.
func Default() Config {
	policies := make(map[string]Policy)
	for stage, p := range retention.DefaultPolicies() {
		policies[string(stage)] = Policy{MaxAgeDays: p.MaxAgeDays, MaxVersions: p.MaxVersions}
	}
	v := versioning.DefaultConfig()

	return Config{
		StatePath:    ".lifecycle",
		RegistryFile: "registry.json",
		Log:          Log{Level: "info"},
		Hashing: Hashing{
			Algorithms:  []string{"sha256", "sha512"},
			Concurrency: 4,
		},
		CacheKey: CacheKey{
			Algorithm:     "sha256",
			SourceRoot:    ".",
			SourceInclude: []string{"conanfile.py", "CMakeLists.txt", "src/*", "include/*"},
			SourceExclude: []string{"build/**", ".git/**"},
		},
		Retention: policies,
		Storage: Storage{
			DeleteTimeout: retention.DefaultDeleteTimeout,
			LocalRoot:     ".",
		},
		Versioning: Versioning{
			Stage:            string(v.Stage),
			PreReleaseSuffix: v.PreReleaseSuffix,
			BuildMetadata:    v.BuildMetadata,
			CallTimeout:      v.CallTimeout,
			Rollback: Rollback{
				Enabled:              v.Rollback.Enabled,
				CompatibilityChecks:  v.Rollback.CompatibilityChecks,
				DependencyValidation: v.Rollback.DependencyValidation,
				MaxPatchDistance:     v.Rollback.MaxPatchDistance,
			},
		},
		Conan: Conan{
			Timeout:   60 * time.Second,
			BackupDir: "backups",
		},
		Server: Server{
			Listen:        ":9090",
			SweepInterval: time.Hour,
		},
	}
}

// Load reads and validates the configuration file at name on fs. A
// missing file yields CodeNotFound.
func Load(ctx context.Context, fs billy.Filesystem, name string) (Config, error) {
	data, err := util.ReadFile(fs, name)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, errors.WithContext(errors.Newf(errors.CodeNotFound, "configuration file %s not found", name), "path", name)
		}
		return Config{}, errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to read configuration"), "path", name)
	}
	cfg, err := Parse(ctx, data)
	if err != nil {
		return Config{}, errors.WithContext(err, "path", name)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(ctx context.Context, data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "failed to parse configuration")
	}

	if err := cfg.Validate(ctx); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg against the embedded schema.
func (c Config) Validate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err, "configuration validation canceled")
	}

	cueCtx := cuecontext.New()
	schema := cueCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "embedded configuration schema is invalid")
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	data := cueCtx.Encode(c)
	if err := data.Err(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to encode configuration")
	}

	if err := def.Unify(data).Validate(cue.Concrete(true), cue.All()); err != nil {
		return errors.Wrap(
			errors.Validation("configuration does not match schema", issues(err)),
			errors.CodeInvalidConfig,
			"invalid configuration",
		)
	}
	return nil
}

// Policies converts the retention section.
func (c Config) Policies() retention.Policies {
	out := make(retention.Policies, len(c.Retention))
	for stage, p := range c.Retention {
		out[registry.Stage(stage)] = retention.Policy{MaxAgeDays: p.MaxAgeDays, MaxVersions: p.MaxVersions}
	}
	return out
}

// VersioningConfig converts the versioning section.
func (c Config) VersioningConfig() versioning.Config {
	v := c.Versioning
	return versioning.Config{
		Stage:            registry.Stage(v.Stage),
		PreReleaseSuffix: v.PreReleaseSuffix,
		BuildMetadata:    v.BuildMetadata,
		CallTimeout:      v.CallTimeout,
		Rollback: versioning.RollbackConfig{
			Enabled:              v.Rollback.Enabled,
			CompatibilityChecks:  v.Rollback.CompatibilityChecks,
			DependencyValidation: v.Rollback.DependencyValidation,
			MaxPatchDistance:     v.Rollback.MaxPatchDistance,
		},
	}
}

// CacheKeyConfig converts the cacheKey section.
func (c Config) CacheKeyConfig() cachekey.Config {
	k := c.CacheKey
	return cachekey.Config{
		Algorithm:     k.Algorithm,
		SourceInclude: k.SourceInclude,
		SourceExclude: k.SourceExclude,
		BinaryInclude: k.BinaryInclude,
		BinaryExclude: k.BinaryExclude,
	}
}

// MinIOConfig converts the storage.minio section. ok is false when no
// endpoint is configured.
func (c Config) MinIOConfig() (cfg storage.MinIOConfig, ok bool) {
	m := c.Storage.MinIO
	if m.Endpoint == "" {
		return storage.MinIOConfig{}, false
	}
	return storage.MinIOConfig{
		Endpoint:  m.Endpoint,
		Bucket:    m.Bucket,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		UseSSL:    m.UseSSL,
		Prefix:    m.Prefix,
	}, true
}

// LogConfig converts the log section. The level was checked by Validate.
func (c Config) LogConfig() logging.LogConfig {
	cfg := logging.DefaultLogConfig()
	if lvl, err := logging.ParseLogLevel(c.Log.Level); err == nil {
		cfg.Level = lvl
	}
	cfg.JSON = c.Log.JSON
	return cfg
}
