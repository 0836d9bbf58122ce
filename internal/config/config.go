package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

var (
	ErrProjectNotFound     = errors.New("project not found")
	ErrAmbiguousProject    = errors.New("project is ambiguous")
	ErrContainerNotFound   = errors.New("container not found")
	ErrAmbiguousContainer  = errors.New("container is ambiguous")
	ErrEnvironmentNotFound = errors.New("environment not configured")
)

// Backends for blob containers.
const (
	BackendAzure = "azure"
	BackendS3    = "s3"
)

// Config is the top-level configuration
type Config struct {
	Server            ServerConfig   `yaml:"server"`
	Storage           StorageConfig  `yaml:"storage"`
	Transfer          TransferConfig `yaml:"transfer"`
	Poll              PollConfig     `yaml:"poll"`
	MaxConcurrentJobs int            `yaml:"max_concurrent_jobs"`
	HistoryLimit      int            `yaml:"history_limit"`
	// HistoryRetain caps job records kept in the database.
	HistoryRetain int             `yaml:"history_retain"`
	Projects      []ProjectConfig `yaml:"projects"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig places local state and downloads
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DBPath       string `yaml:"db_path"`
	StateDir     string `yaml:"state_dir"`
	DownloadRoot string `yaml:"download_root"`
	ExportDir    string `yaml:"export_dir"`
}

// TransferConfig tunes the transfer executor
type TransferConfig struct {
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	ProgressEvery    int           `yaml:"progress_every"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	// ThroughputMiBps feeds the ETA shown in previews and job progress.
	ThroughputMiBps int64 `yaml:"throughput_mib_per_sec"`
}

// PollConfig tunes export status polling
type PollConfig struct {
	Interval             time.Duration `yaml:"interval"`
	MaxDuration          time.Duration `yaml:"max_duration"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
}

// ProjectConfig describes one DXP project and its storage
type ProjectConfig struct {
	Name         string            `yaml:"name"`
	ID           string            `yaml:"id"`
	APIKey       string            `yaml:"api_key,omitempty"`
	APISecret    string            `yaml:"api_secret,omitempty"`
	BaseURL      string            `yaml:"base_url,omitempty"`
	Environments []string          `yaml:"environments"`
	Containers   []ContainerConfig `yaml:"containers"`
}

// ContainerConfig is a blob container reachable from a project environment
type ContainerConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Backend     string `yaml:"backend"`
	Prefix      string `yaml:"prefix,omitempty"`

	// azure
	SASURL string `yaml:"sas_url,omitempty"`

	// s3
	Bucket          string `yaml:"bucket,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:8480",
		},
		Storage: StorageConfig{
			DataDir: "/var/lib/dxpops",
		},
		Transfer: TransferConfig{
			RetryAttempts:    3,
			RetryBaseDelay:   time.Second,
			RetryMaxDelay:    30 * time.Second,
			ProgressEvery:    25,
			ProgressInterval: 5 * time.Second,
			ThroughputMiBps:  10,
		},
		Poll: PollConfig{
			Interval:             30 * time.Second,
			MaxDuration:          45 * time.Minute,
			MaxConsecutiveErrors: 5,
		},
		MaxConcurrentJobs: 4,
		HistoryLimit:      200,
		HistoryRetain:     5000,
	}
}

// Load reads a config file from the given path and applies environment
// overrides for secrets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"dxpops.yaml",
		"/etc/dxpops/dxpops.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "dxpops", "dxpops.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

type globalEnv struct {
	Listen       string `envconfig:"LISTEN"`
	DataDir      string `envconfig:"DATA_DIR"`
	DownloadRoot string `envconfig:"DOWNLOAD_ROOT"`
	ExportDir    string `envconfig:"EXPORT_DIR"`
}

type projectEnv struct {
	ID        string `envconfig:"ID"`
	APIKey    string `envconfig:"API_KEY"`
	APISecret string `envconfig:"API_SECRET"`
}

type containerEnv struct {
	SASURL          string `envconfig:"SAS_URL"`
	AccessKeyID     string `envconfig:"ACCESS_KEY_ID"`
	SecretAccessKey string `envconfig:"SECRET_ACCESS_KEY"`
}

// ApplyEnv overlays DXPOPS_* environment variables. Per-project secrets use
// DXPOPS_<PROJECT>_API_KEY and per-container ones DXPOPS_<PROJECT>_<CONTAINER>_SAS_URL.
func (c *Config) ApplyEnv() error {
	var g globalEnv
	if err := envconfig.Process("DXPOPS", &g); err != nil {
		return fmt.Errorf("error processing env: %w", err)
	}
	setIf(&c.Server.Listen, g.Listen)
	setIf(&c.Storage.DataDir, g.DataDir)
	setIf(&c.Storage.DownloadRoot, g.DownloadRoot)
	setIf(&c.Storage.ExportDir, g.ExportDir)

	for i := range c.Projects {
		p := &c.Projects[i]
		prefix := "DXPOPS_" + envKey(p.Name)
		var pe projectEnv
		if err := envconfig.Process(prefix, &pe); err != nil {
			return fmt.Errorf("error processing env for project %s: %w", p.Name, err)
		}
		setIf(&p.ID, pe.ID)
		setIf(&p.APIKey, pe.APIKey)
		setIf(&p.APISecret, pe.APISecret)

		for j := range p.Containers {
			ct := &p.Containers[j]
			var ce containerEnv
			if err := envconfig.Process(prefix+"_"+envKey(ct.Name), &ce); err != nil {
				return fmt.Errorf("error processing env for container %s: %w", ct.Name, err)
			}
			setIf(&ct.SASURL, ce.SASURL)
			setIf(&ct.AccessKeyID, ce.AccessKeyID)
			setIf(&ct.SecretAccessKey, ce.SecretAccessKey)
		}
	}
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// envKey turns a name into an environment variable fragment.
func envKey(name string) string {
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return '_'
		}
		return unicode.ToUpper(r)
	}, name)
}

// Validate checks structural problems that would only surface mid-job.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxConcurrentJobs < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_jobs must not be negative"))
	}
	if c.Transfer.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("transfer.retry_attempts must not be negative"))
	}
	if c.Poll.Interval < 0 || c.Poll.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("poll durations must not be negative"))
	}

	names := make(map[string]bool)
	for _, p := range c.Projects {
		key := strings.ToLower(p.Name)
		if key == "" {
			errs = append(errs, fmt.Errorf("project with id %q has no name", p.ID))
			continue
		}
		if names[key] {
			errs = append(errs, fmt.Errorf("project %q is defined twice", p.Name))
		}
		names[key] = true
		for _, ct := range p.Containers {
			if ct.Name == "" {
				errs = append(errs, fmt.Errorf("project %s: container without a name", p.Name))
				continue
			}
			switch ct.BackendName() {
			case BackendAzure:
			case BackendS3:
				if ct.Bucket == "" {
					errs = append(errs, fmt.Errorf("project %s: s3 container %s has no bucket", p.Name, ct.Name))
				}
			default:
				errs = append(errs, fmt.Errorf("project %s: container %s has unknown backend %q", p.Name, ct.Name, ct.Backend))
			}
		}
	}
	return errors.Join(errs...)
}

// BackendName returns the normalised backend, defaulting to azure.
func (ct ContainerConfig) BackendName() string {
	b := strings.ToLower(strings.TrimSpace(ct.Backend))
	if b == "" {
		return BackendAzure
	}
	return b
}

// ResolveProject finds a project by name or id. An empty selector resolves
// only when exactly one project is configured.
func (c *Config) ResolveProject(selector string) (*ProjectConfig, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		switch len(c.Projects) {
		case 0:
			return nil, fmt.Errorf("no projects configured: %w", ErrProjectNotFound)
		case 1:
			return &c.Projects[0], nil
		default:
			return nil, fmt.Errorf("%d projects configured, name one: %w", len(c.Projects), ErrAmbiguousProject)
		}
	}

	var matches []*ProjectConfig
	for i := range c.Projects {
		p := &c.Projects[i]
		if strings.EqualFold(p.Name, selector) || (p.ID != "" && strings.EqualFold(p.ID, selector)) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%q: %w", selector, ErrProjectNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q matches %d projects: %w", selector, len(matches), ErrAmbiguousProject)
	}
}

// HasEnvironment reports whether env is listed for the project. Projects
// without an environment list accept any environment.
func (p *ProjectConfig) HasEnvironment(env string) bool {
	if len(p.Environments) == 0 {
		return true
	}
	for _, e := range p.Environments {
		if strings.EqualFold(e, env) {
			return true
		}
	}
	return false
}

// Container finds a container in the given environment. An empty name
// resolves only when the environment has exactly one container.
func (p *ProjectConfig) Container(env, name string) (*ContainerConfig, error) {
	if !p.HasEnvironment(env) {
		return nil, fmt.Errorf("project %s: %q: %w", p.Name, env, ErrEnvironmentNotFound)
	}
	var matches []*ContainerConfig
	for i := range p.Containers {
		ct := &p.Containers[i]
		if ct.Environment != "" && !strings.EqualFold(ct.Environment, env) {
			continue
		}
		if name == "" || strings.EqualFold(ct.Name, name) {
			matches = append(matches, ct)
		}
	}
	switch len(matches) {
	case 0:
		if name == "" {
			return nil, fmt.Errorf("project %s has no containers in %s: %w", p.Name, env, ErrContainerNotFound)
		}
		return nil, fmt.Errorf("project %s: %q in %s: %w", p.Name, name, env, ErrContainerNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("project %s has %d containers in %s, name one: %w", p.Name, len(matches), env, ErrAmbiguousContainer)
	}
}

// DBPath returns the SQLite path, defaulting under the data dir.
func (c *Config) DBPath() string {
	if c.Storage.DBPath != "" {
		return c.Storage.DBPath
	}
	return filepath.Join(c.Storage.DataDir, "dxpops.db")
}

// StateDir returns where poll state files live.
func (c *Config) StateDir() string {
	if c.Storage.StateDir != "" {
		return c.Storage.StateDir
	}
	return filepath.Join(c.Storage.DataDir, "poll-state")
}

// DownloadRoot returns the parent for downloads without an explicit destination.
func (c *Config) DownloadRoot() string {
	if c.Storage.DownloadRoot != "" {
		return c.Storage.DownloadRoot
	}
	return filepath.Join(c.Storage.DataDir, "downloads")
}

// ExportDir returns where auto-fetched export artifacts are written.
func (c *Config) ExportDir() string {
	if c.Storage.ExportDir != "" {
		return c.Storage.ExportDir
	}
	return filepath.Join(c.Storage.DataDir, "exports")
}

// Throughput returns the assumed transfer rate in bytes per second.
func (c *Config) Throughput() int64 {
	if c.Transfer.ThroughputMiBps <= 0 {
		return 10 << 20
	}
	return c.Transfer.ThroughputMiBps << 20
}

const redacted = "REDACTED"

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Projects = make([]ProjectConfig, len(c.Projects))
	for i, p := range c.Projects {
		p.Containers = append([]ContainerConfig(nil), p.Containers...)
		if p.APIKey != "" {
			p.APIKey = redacted
		}
		if p.APISecret != "" {
			p.APISecret = redacted
		}
		for j := range p.Containers {
			ct := &p.Containers[j]
			if ct.SASURL != "" {
				ct.SASURL = redactQuery(ct.SASURL)
			}
			if ct.SecretAccessKey != "" {
				ct.SecretAccessKey = redacted
			}
		}
		out.Projects[i] = p
	}
	return &out
}

func redactQuery(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?" + redacted
	}
	return raw
}
