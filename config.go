package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"criticalsys.net/entragov/internal/governance"
)

const (
	authAzIdentity = "azidentity"
	authClientID   = "clientid"
)

// Config holds the configuration options for an assessment run.
type Config struct {
	AuthMethod        string `json:"auth,omitempty" yaml:"auth,omitempty"`
	TenantID          string `json:"tenantId,omitempty" yaml:"tenantId,omitempty"` // From config file/env, used for clientid auth
	ClientID          string `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	ClientSecret      string `json:"clientSecret,omitempty" yaml:"clientSecret,omitempty"`
	PageSize          int    `json:"pageSize,omitempty" yaml:"pageSize,omitempty"`
	ParallelJobs      int    `json:"parallelJobs,omitempty" yaml:"parallelJobs,omitempty"`
	RequestsPerSecond int    `json:"requestsPerSecond,omitempty" yaml:"requestsPerSecond,omitempty"`
	OutputID          string `json:"outputId,omitempty" yaml:"outputId,omitempty"`
	OutputDir         string `json:"outputDir,omitempty" yaml:"outputDir,omitempty"`
	UseCache          string `json:"useCache,omitempty" yaml:"useCache,omitempty"`
	SnapshotFile      string `json:"snapshotFile,omitempty" yaml:"snapshotFile,omitempty"`

	InactiveDays   int    `json:"inactiveDays,omitempty" yaml:"inactiveDays,omitempty"`
	SampleSize     int    `json:"sampleSize,omitempty" yaml:"sampleSize,omitempty"`
	ReportPeriod   string `json:"reportPeriod,omitempty" yaml:"reportPeriod,omitempty"`
	AuditDays      int    `json:"auditDays,omitempty" yaml:"auditDays,omitempty"`
	Guests         bool   `json:"guests,omitempty" yaml:"guests,omitempty"`
	MemberActivity bool   `json:"memberActivity,omitempty" yaml:"memberActivity,omitempty"`
	Now            string `json:"now,omitempty" yaml:"now,omitempty"` // RFC 3339 override of the evaluation time

	LogLevel     string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	HealthCheck  bool   `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`
	TenantIDFlag string `json:"tenantIdFlag,omitempty" yaml:"tenantIdFlag,omitempty"` // From --tenantid flag, overrides all
}

// defaultConfig returns the values used when nothing else is set.
func defaultConfig() Config {
	return Config{
		AuthMethod:        authAzIdentity,
		PageSize:          500,
		ParallelJobs:      16,
		RequestsPerSecond: 20,
		OutputDir:         ".",
		InactiveDays:      governance.DefaultInactiveDays,
		SampleSize:        governance.DefaultMemberSampleSize,
		ReportPeriod:      "D180",
		AuditDays:         30,
		LogLevel:          "info",
	}
}

// bindFlags registers every configuration flag on fs, writing into config.
// The config file path is returned through configPath.
func bindFlags(fs *pflag.FlagSet, config *Config, configPath *string) {
	def := defaultConfig()
	fs.StringVar(&config.AuthMethod, "auth", def.AuthMethod, "Authentication method: 'azidentity' or 'clientid'.")
	fs.StringVar(configPath, "config", "", "Path to a JSON or YAML configuration file. Command-line flags override file values.")
	fs.StringVar(&config.UseCache, "use-cache", "", "Path to a SQLite snapshot file to assess instead of querying the Graph API.")
	fs.StringVar(&config.SnapshotFile, "snapshot", "", "Path of the SQLite snapshot file written by a live run (default <output-id>.db).")
	fs.IntVar(&config.PageSize, "pageSize", def.PageSize, "The number of items to retrieve per page for API queries. Max is 999.")
	fs.IntVar(&config.ParallelJobs, "parallelJobs", def.ParallelJobs, "Number of concurrent jobs for processing groups.")
	fs.IntVar(&config.RequestsPerSecond, "rps", def.RequestsPerSecond, "Maximum Graph requests per second (0 for unlimited).")
	fs.StringVar(&config.OutputID, "output-id", "", "Custom ID for output filenames (e.g., 'my-export').")
	fs.StringVar(&config.OutputDir, "output-dir", def.OutputDir, "Directory for the CSV and JSON results.")
	fs.IntVar(&config.InactiveDays, "inactive-days", def.InactiveDays, "Days without activity after which a group is inactive.")
	fs.IntVar(&config.SampleSize, "sample-size", def.SampleSize, "Maximum number of inactive groups analyzed member by member.")
	fs.StringVar(&config.ReportPeriod, "report-period", def.ReportPeriod, "Usage report period: D7, D30, D90 or D180.")
	fs.IntVar(&config.AuditDays, "audit-days", def.AuditDays, "Days of directory audit log to scan for group changes.")
	fs.BoolVar(&config.Guests, "guests", false, "Enumerate members of every group to count guests (one extra request per group).")
	fs.BoolVar(&config.MemberActivity, "member-activity", false, "Analyze member sign-in activity for a sample of inactive groups.")
	fs.StringVar(&config.Now, "now", "", "Evaluate activity as of this RFC 3339 time instead of the current time.")
	fs.StringVar(&config.LogLevel, "log-level", def.LogLevel, "Log level: debug, info, warn or error.")
	fs.BoolVar(&config.HealthCheck, "healthcheck", false, "Check connectivity and authentication, then exit.")
	fs.StringVar(&config.TenantIDFlag, "tenantid", "", "Optional: Force a specific tenant ID, overriding auto-detection or config file.")
}

// LoadConfig merges the configuration sources. Precedence, lowest first:
// flag defaults, config file, environment, flags set on the command line.
func LoadConfig(fs *pflag.FlagSet, flagValues Config, configPath string) (Config, error) {
	config := flagValues

	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return Config{}, err
		}
	}

	if val, ok := os.LookupEnv("TENANT_ID"); ok {
		config.TenantID = val
	}
	if val, ok := os.LookupEnv("CLIENT_ID"); ok {
		config.ClientID = val
	}
	if val, ok := os.LookupEnv("CLIENT_SECRET"); ok {
		config.ClientSecret = val
	}
	if val, ok := os.LookupEnv("ENTRAGOV_INACTIVE_DAYS"); ok {
		days, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return Config{}, fmt.Errorf("invalid ENTRAGOV_INACTIVE_DAYS %q: %w", val, err)
		}
		config.InactiveDays = days
	}

	// Re-apply any flags that were set on the command line to override the config file/env vars.
	isSet := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		isSet[f.Name] = true
	})
	reapply := map[string]func(){
		"auth":            func() { config.AuthMethod = flagValues.AuthMethod },
		"use-cache":       func() { config.UseCache = flagValues.UseCache },
		"snapshot":        func() { config.SnapshotFile = flagValues.SnapshotFile },
		"pageSize":        func() { config.PageSize = flagValues.PageSize },
		"parallelJobs":    func() { config.ParallelJobs = flagValues.ParallelJobs },
		"rps":             func() { config.RequestsPerSecond = flagValues.RequestsPerSecond },
		"output-id":       func() { config.OutputID = flagValues.OutputID },
		"output-dir":      func() { config.OutputDir = flagValues.OutputDir },
		"inactive-days":   func() { config.InactiveDays = flagValues.InactiveDays },
		"sample-size":     func() { config.SampleSize = flagValues.SampleSize },
		"report-period":   func() { config.ReportPeriod = flagValues.ReportPeriod },
		"audit-days":      func() { config.AuditDays = flagValues.AuditDays },
		"guests":          func() { config.Guests = flagValues.Guests },
		"member-activity": func() { config.MemberActivity = flagValues.MemberActivity },
		"now":             func() { config.Now = flagValues.Now },
		"log-level":       func() { config.LogLevel = flagValues.LogLevel },
		"healthcheck":     func() { config.HealthCheck = flagValues.HealthCheck },
		"tenantid":        func() { config.TenantIDFlag = flagValues.TenantIDFlag },
	}
	for name, apply := range reapply {
		if isSet[name] {
			apply()
		}
	}

	if err := validateConfig(config, isSet); err != nil {
		return Config{}, err
	}
	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, config)
	default:
		err = json.Unmarshal(file, config)
	}
	if err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

func validateConfig(config Config, isSet map[string]bool) error {
	if config.HealthCheck {
		// If healthcheck is true, only the auth settings matter.
		return validateAuth(config)
	}

	if config.UseCache != "" {
		if _, err := os.Stat(config.UseCache); os.IsNotExist(err) {
			return fmt.Errorf("cache file does not exist: %s", config.UseCache)
		}
		for _, name := range []string{"auth", "pageSize", "parallelJobs", "rps", "guests", "member-activity", "snapshot", "report-period", "audit-days"} {
			if isSet[name] {
				return fmt.Errorf("--%s is incompatible with --use-cache", name)
			}
		}
	} else if err := validateAuth(config); err != nil {
		return err
	}

	if config.PageSize > 999 || config.PageSize < 1 {
		return fmt.Errorf("pageSize must be between 1 and 999")
	}
	if config.ParallelJobs < 1 {
		return fmt.Errorf("parallelJobs must be at least 1")
	}
	if config.RequestsPerSecond < 0 {
		return fmt.Errorf("rps must not be negative")
	}
	if config.InactiveDays < 1 {
		return fmt.Errorf("inactive-days must be a positive number of days")
	}
	if config.SampleSize < 0 {
		return fmt.Errorf("sample-size must not be negative")
	}
	if config.AuditDays < 1 {
		return fmt.Errorf("audit-days must be at least 1")
	}
	switch config.ReportPeriod {
	case "D7", "D30", "D90", "D180":
	default:
		return fmt.Errorf("invalid report period: %s. Must be one of D7, D30, D90, D180", config.ReportPeriod)
	}
	if _, err := config.EvaluationTime(time.Time{}); err != nil {
		return err
	}
	if _, err := parseLogLevel(config.LogLevel); err != nil {
		return err
	}
	return nil
}

func validateAuth(config Config) error {
	if config.AuthMethod != authAzIdentity && config.AuthMethod != authClientID {
		return fmt.Errorf("invalid auth method: %s. Must be 'azidentity' or 'clientid'", config.AuthMethod)
	}
	if config.AuthMethod == authClientID {
		if config.TenantID == "" && config.TenantIDFlag == "" {
			return fmt.Errorf("TENANT_ID must be set via config file or environment variable for clientid auth")
		}
		if config.ClientID == "" {
			return fmt.Errorf("CLIENT_ID must be set via config file or environment variable for clientid auth")
		}
		if config.ClientSecret == "" {
			return fmt.Errorf("CLIENT_SECRET must be set via config file or environment variable for clientid auth")
		}
	}
	return nil
}

// EvaluationTime returns the --now override, or fallback when unset.
func (c Config) EvaluationTime(fallback time.Time) (time.Time, error) {
	if c.Now == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, c.Now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --now value %q: %w", c.Now, err)
	}
	return t.UTC(), nil
}

// BaseName is the file name prefix shared by every output of a run.
func (c Config) BaseName(prefix string, at time.Time) string {
	if c.OutputID != "" {
		return c.OutputID
	}
	return fmt.Sprintf("%s_%s", prefix, at.Format("20060102-150405"))
}
