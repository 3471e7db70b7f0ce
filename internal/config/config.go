package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	_ "embed"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

const (
	DefaultResources     = "https://raw.githubusercontent.com/cloudbase/cloudbase-init-ci/master/argus/resources/"
	DefaultBuild         = "Beta"
	DefaultArch          = "x64"
	DefaultRetryCount    = 15
	DefaultRetryDelay    = "10s"
	DefaultImageUsername = "CiAdmin"
	DefaultOutputDir     = "./argus-results"
	DefaultMaxParallel   = 1
)

// Transport names a remote-shell backend.
type Transport string

const (
	TransportWinRM Transport = "winrm"
	TransportSSH   Transport = "ssh"
	TransportLocal Transport = "local"
)

// ScriptKind selects how a resource script is executed on the guest.
type ScriptKind string

const (
	ScriptPowerShell ScriptKind = "powershell"
	ScriptBatch      ScriptKind = "bat"
)

// Config mirrors the YAML configuration shape. It is never mutated after Load.
type Config struct {
	Argus     Argus               `yaml:"argus" json:"argus"`
	OpenStack OpenStack           `yaml:"openstack" json:"openstack"`
	Instances map[string]Instance `yaml:"instances" json:"instances" validate:"dive"`
	Scenarios []Scenario          `yaml:"scenarios" json:"scenarios" validate:"dive"`
	Logging   *LoggingConfig      `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// Argus holds the harness-wide options read by the action manager and executor.
type Argus struct {
	// base URL the resource scripts are fetched from
	Resources string `yaml:"resources,omitempty" json:"resources,omitempty" validate:"omitempty,url"`
	// installer build and architecture, used to build the MSI name
	Build string `yaml:"build,omitempty" json:"build,omitempty"`
	Arch  string `yaml:"arch,omitempty" json:"arch,omitempty" validate:"omitempty,oneof=x64 x86" jsonschema:"enum=x64,enum=x86"`
	// default retry policy for every remote command
	RetryCount int    `yaml:"retry_count,omitempty" json:"retry_count,omitempty" validate:"gte=0"`
	RetryDelay string `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	// constant keeps RetryDelay between attempts, exponential grows it up to MaxRetryDelay
	Backoff       string `yaml:"backoff,omitempty" json:"backoff,omitempty" validate:"omitempty,oneof=constant exponential" jsonschema:"enum=constant,enum=exponential"`
	MaxRetryDelay string `yaml:"max_retry_delay,omitempty" json:"max_retry_delay,omitempty"`

	OutputDir string `yaml:"output_dir,omitempty" json:"output_dir,omitempty"`
	// wait for a keypress before cleanup so the guest can be inspected
	Pause bool `yaml:"pause,omitempty" json:"pause,omitempty"`
	// set on every guest adapter before installing
	DNSNameservers []string `yaml:"dns_nameservers,omitempty" json:"dns_nameservers,omitempty" validate:"dive,ip"`
	GitCommand     string   `yaml:"git_command,omitempty" json:"git_command,omitempty"`
	// local directory holding the helper scripts staged on minimal servers
	NanoResources string `yaml:"nano_resources,omitempty" json:"nano_resources,omitempty"`
	MaxParallel   int    `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty" validate:"gte=0"`
}

// OpenStack holds the guest image options.
type OpenStack struct {
	ImageUsername string `yaml:"image_username,omitempty" json:"image_username,omitempty"`
}

// LoggingConfig holds the logging configuration. If no path is provided, logs are written to stderr.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `yaml:"format,omitempty" json:"format,omitempty" validate:"omitempty,oneof=auto json console" jsonschema:"enum=auto,enum=json,enum=console"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Instance is a guest reachable over a remote shell.
type Instance struct {
	Address   string    `yaml:"address,omitempty" json:"address,omitempty" validate:"required_unless=Transport local"`
	Port      int       `yaml:"port,omitempty" json:"port,omitempty" validate:"gte=0,lte=65535"`
	Transport Transport `yaml:"transport,omitempty" json:"transport,omitempty" validate:"omitempty,oneof=winrm ssh local" jsonschema:"enum=winrm,enum=ssh,enum=local"`
	HTTPS     bool      `yaml:"https,omitempty" json:"https,omitempty"`
	Insecure  bool      `yaml:"insecure,omitempty" json:"insecure,omitempty"`
	Username  string    `yaml:"username,omitempty" json:"username,omitempty"`
	Password  string    `yaml:"password,omitempty" json:"password,omitempty"`
	// client certificate authentication (WinRM over HTTPS)
	CertPEM string `yaml:"cert_pem,omitempty" json:"cert_pem,omitempty"`
	CertKey string `yaml:"cert_key,omitempty" json:"cert_key,omitempty"`
	// key authentication (SSH)
	KeyFile     string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	KeyPassword string `yaml:"key_password,omitempty" json:"key_password,omitempty"`
	Timeout     string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	UsePTY      bool   `yaml:"use_pty,omitempty" json:"use_pty,omitempty"`
}

// Scenario is one install/verify/cleanup sequence against an instance.
type Scenario struct {
	Name     string `yaml:"name" json:"name" validate:"required"`
	Instance string `yaml:"instance" json:"instance" validate:"required"`
	Sysprep  bool   `yaml:"sysprep,omitempty" json:"sysprep,omitempty"`
	// wait for the cloudbase-init service to stop after install/sysprep
	WaitService bool `yaml:"wait_service,omitempty" json:"wait_service,omitempty"`
	// guest paths that must exist once the service ran
	ServicePaths []string  `yaml:"service_paths,omitempty" json:"service_paths,omitempty"`
	Cleanup      bool      `yaml:"cleanup,omitempty" json:"cleanup,omitempty"`
	GitClone     *GitClone `yaml:"git_clone,omitempty" json:"git_clone,omitempty"`
	Scripts      []Script  `yaml:"scripts,omitempty" json:"scripts,omitempty" validate:"dive"`
}

// GitClone clones a repository on the guest before the scripts run.
type GitClone struct {
	Repo     string `yaml:"repo" json:"repo" validate:"required"`
	Location string `yaml:"location" json:"location" validate:"required"`
}

// Script is a resource script executed on the guest.
type Script struct {
	Resource   string     `yaml:"resource" json:"resource" validate:"required"`
	Parameters string     `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Kind       ScriptKind `yaml:"kind,omitempty" json:"kind,omitempty" validate:"omitempty,oneof=powershell bat" jsonschema:"enum=powershell,enum=bat"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${NAME} references from the environment. Every other $
// is kept as written, so PowerShell parameters and passwords survive.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// ParseYAML loads, defaults and validates configuration using strict decoding.
// Environment references (${VAR}) are expanded before decoding.
func ParseYAML(data []byte) (*Config, error) {
	var config Config
	expanded := expandEnv(string(data))
	if err := yaml.UnmarshalWithOptions([]byte(expanded), &config, yaml.Strict()); err != nil {
		return nil, err
	}
	applyDefaults(&config)
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading configuration file: %w", err)
	}
	return ParseYAML(data)
}

func applyDefaults(cfg *Config) {
	a := &cfg.Argus
	if a.Resources == "" {
		a.Resources = DefaultResources
	}
	if a.Build == "" {
		a.Build = DefaultBuild
	}
	if a.Arch == "" {
		a.Arch = DefaultArch
	}
	if a.RetryCount == 0 {
		a.RetryCount = DefaultRetryCount
	}
	if a.RetryDelay == "" {
		a.RetryDelay = DefaultRetryDelay
	}
	if a.Backoff == "" {
		a.Backoff = "constant"
	}
	if a.OutputDir == "" {
		a.OutputDir = DefaultOutputDir
	}
	if a.MaxParallel == 0 {
		a.MaxParallel = DefaultMaxParallel
	}
	if cfg.OpenStack.ImageUsername == "" {
		cfg.OpenStack.ImageUsername = DefaultImageUsername
	}
	for alias, inst := range cfg.Instances {
		if inst.Transport == "" {
			inst.Transport = TransportWinRM
		}
		cfg.Instances[alias] = inst
	}
	for i := range cfg.Scenarios {
		for j := range cfg.Scenarios[i].Scripts {
			if cfg.Scenarios[i].Scripts[j].Kind == "" {
				cfg.Scenarios[i].Scripts[j].Kind = ScriptPowerShell
			}
		}
	}
}

func validateConfig(cfg *Config) error {
	var errs []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, e := range verrs {
			errs = append(errs, formatFieldError(e))
		}
	}

	if _, err := parsePositiveDuration(cfg.Argus.RetryDelay); err != nil {
		errs = append(errs, "argus.retry_delay must be a positive duration")
	}
	if cfg.Argus.MaxRetryDelay != "" {
		if _, err := parsePositiveDuration(cfg.Argus.MaxRetryDelay); err != nil {
			errs = append(errs, "argus.max_retry_delay must be a positive duration")
		}
	}

	for alias, inst := range cfg.Instances {
		if inst.Timeout != "" {
			if _, err := parsePositiveDuration(inst.Timeout); err != nil {
				errs = append(errs, fmt.Sprintf("instances.%s.timeout must be a positive duration", alias))
			}
		}
		hasCert := inst.CertPEM != "" || inst.CertKey != ""
		if hasCert && (inst.CertPEM == "" || inst.CertKey == "") {
			errs = append(errs, fmt.Sprintf("instances.%s: cert_pem and cert_key must be set together", alias))
		}
		if hasCert && inst.Transport != TransportWinRM {
			errs = append(errs, fmt.Sprintf("instances.%s: certificate auth is only supported with the winrm transport", alias))
		}
		if inst.Transport == TransportSSH && inst.KeyFile == "" && inst.Password == "" {
			errs = append(errs, fmt.Sprintf("instances.%s: ssh needs key_file or password", alias))
		}
	}

	seen := map[string]struct{}{}
	for i, sc := range cfg.Scenarios {
		if _, dup := seen[sc.Name]; dup && sc.Name != "" {
			errs = append(errs, fmt.Sprintf("scenarios[%d].name '%s' is duplicated", i, sc.Name))
		}
		seen[sc.Name] = struct{}{}
		if sc.Instance != "" {
			if _, ok := cfg.Instances[sc.Instance]; !ok {
				errs = append(errs, fmt.Sprintf("scenarios[%d].instance references unknown instance '%s'", i, sc.Instance))
			}
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func formatFieldError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required", "required_unless":
		return fmt.Sprintf("%s must be set", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, strings.ReplaceAll(e.Param(), " ", ", "))
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "ip":
		return fmt.Sprintf("%s must be an IP address", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("duration must be positive")
	}
	return d, nil
}

// RetryDelayDuration returns the configured delay between attempts.
func (a Argus) RetryDelayDuration() time.Duration {
	d, err := parsePositiveDuration(a.RetryDelay)
	if err != nil {
		d, _ = time.ParseDuration(DefaultRetryDelay)
	}
	return d
}

// MaxRetryDelayDuration returns the exponential backoff ceiling, zero when unset.
func (a Argus) MaxRetryDelayDuration() time.Duration {
	d, err := parsePositiveDuration(a.MaxRetryDelay)
	if err != nil {
		return 0
	}
	return d
}

// TimeoutDuration returns the per-request transport timeout, or def when unset.
func (i Instance) TimeoutDuration(def time.Duration) time.Duration {
	d, err := parsePositiveDuration(i.Timeout)
	if err != nil {
		return def
	}
	return d
}

func GetDefaultConfigFile() string {
	return string(defaultConfigFile)
}

//go:embed files/default_argus.yaml
var defaultConfigFile []byte
