package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Strava       StravaConfig       `mapstructure:"strava"`
	Garmin       GarminConfig       `mapstructure:"garmin"`
	GarminCN     GarminConfig       `mapstructure:"garmin_cn"`
	OneDrive     OneDriveConfig     `mapstructure:"onedrive"`
	IGPSport     IGPSportConfig     `mapstructure:"igpsport"`
	MyWhoosh     MyWhooshConfig     `mapstructure:"mywhoosh"`
	IntervalsICU IntervalsICUConfig `mapstructure:"intervals_icu"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Match        MatchConfig        `mapstructure:"match"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
}

// StravaConfig holds Strava OAuth config plus the web-session cookie used
// for original-file export (the API has no endpoint for it)
type StravaConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	Cookie       string `mapstructure:"cookie"`
}

// GarminConfig holds Garmin Connect credentials; Domain distinguishes the
// global service from the China deployment
type GarminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Domain   string `mapstructure:"domain"` // garmin.com or garmin.cn
}

// OneDriveConfig holds Microsoft Graph OAuth config
type OneDriveConfig struct {
	ClientID        string `mapstructure:"client_id"`
	ClientSecret    string `mapstructure:"client_secret"`
	RedirectURI     string `mapstructure:"redirect_uri"`
	RefreshToken    string `mapstructure:"refresh_token"`
	TenantID        string `mapstructure:"tenant_id"`
	Folder          string `mapstructure:"folder"`
	ConvertFitToGpx bool   `mapstructure:"convert_fit_to_gpx"`
}

// IGPSportConfig holds IGPSport credentials
type IGPSportConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MyWhooshConfig holds MyWhoosh credentials
type MyWhooshConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// IntervalsICUConfig holds Intervals.icu API credentials
type IntervalsICUConfig struct {
	AthleteID string `mapstructure:"athlete_id"`
	APIKey    string `mapstructure:"api_key"`
}

// StorageConfig holds storage paths
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir"`      // Root for everything below
	DatabaseFile string `mapstructure:"database_file"` // Sqlite registry
	CacheDir     string `mapstructure:"cache_dir"`     // Downloaded activity files
	SessionsDir  string `mapstructure:"sessions_dir"`  // Cookie jars and token files
}

// SyncConfig holds sync preferences
type SyncConfig struct {
	Directions       []string `mapstructure:"directions"` // e.g. ["strava_to_garmin"]
	BatchSize        int      `mapstructure:"batch_size"`
	CacheCleanupDays int      `mapstructure:"cache_cleanup_days"`
}

// MatchConfig holds the duplicate-detection thresholds
type MatchConfig struct {
	TimeToleranceMinutes     float64 `mapstructure:"time_tolerance_minutes"`
	DistanceTolerancePercent float64 `mapstructure:"distance_tolerance_percent"`
	DurationTolerancePercent float64 `mapstructure:"duration_tolerance_percent"`
	MinConfidence            float64 `mapstructure:"min_confidence"`
	ProbeWindowMinutes       int     `mapstructure:"probe_window_minutes"`
}

// RateLimitConfig holds the per-platform API budgets
type RateLimitConfig struct {
	StravaDaily       int `mapstructure:"strava_daily"`
	StravaQuarterHour int `mapstructure:"strava_quarter_hour"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".fitbridge-sync")

	return &Config{
		Garmin: GarminConfig{
			Domain: "garmin.com",
		},
		GarminCN: GarminConfig{
			Domain: "garmin.cn",
		},
		OneDrive: OneDriveConfig{
			RedirectURI:     "http://localhost",
			TenantID:        "common",
			Folder:          "Sports-Activities",
			ConvertFitToGpx: true,
		},
		Storage: StorageConfig{
			DataDir:      dataDir,
			DatabaseFile: filepath.Join(dataDir, "sync_database.db"),
			CacheDir:     filepath.Join(dataDir, "activity_cache"),
			SessionsDir:  filepath.Join(dataDir, "sessions"),
		},
		Sync: SyncConfig{
			Directions:       []string{"strava_to_garmin", "garmin_to_strava"},
			BatchSize:        10,
			CacheCleanupDays: 30,
		},
		Match: MatchConfig{
			TimeToleranceMinutes:     5,
			DistanceTolerancePercent: 5,
			DurationTolerancePercent: 10,
			MinConfidence:            0.7,
			ProbeWindowMinutes:       60,
		},
		RateLimit: RateLimitConfig{
			StravaDaily:       180,
			StravaQuarterHour: 90,
		},
	}
}

// Load reads config from file and environment
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	// Set defaults from DefaultConfig
	v.SetDefault("garmin.domain", cfg.Garmin.Domain)
	v.SetDefault("garmin_cn.domain", cfg.GarminCN.Domain)
	v.SetDefault("onedrive.redirect_uri", cfg.OneDrive.RedirectURI)
	v.SetDefault("onedrive.tenant_id", cfg.OneDrive.TenantID)
	v.SetDefault("onedrive.folder", cfg.OneDrive.Folder)
	v.SetDefault("onedrive.convert_fit_to_gpx", cfg.OneDrive.ConvertFitToGpx)
	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.database_file", cfg.Storage.DatabaseFile)
	v.SetDefault("storage.cache_dir", cfg.Storage.CacheDir)
	v.SetDefault("storage.sessions_dir", cfg.Storage.SessionsDir)
	v.SetDefault("sync.directions", cfg.Sync.Directions)
	v.SetDefault("sync.batch_size", cfg.Sync.BatchSize)
	v.SetDefault("sync.cache_cleanup_days", cfg.Sync.CacheCleanupDays)
	v.SetDefault("match.time_tolerance_minutes", cfg.Match.TimeToleranceMinutes)
	v.SetDefault("match.distance_tolerance_percent", cfg.Match.DistanceTolerancePercent)
	v.SetDefault("match.duration_tolerance_percent", cfg.Match.DurationTolerancePercent)
	v.SetDefault("match.min_confidence", cfg.Match.MinConfidence)
	v.SetDefault("match.probe_window_minutes", cfg.Match.ProbeWindowMinutes)
	v.SetDefault("rate_limit.strava_daily", cfg.RateLimit.StravaDaily)
	v.SetDefault("rate_limit.strava_quarter_hour", cfg.RateLimit.StravaQuarterHour)

	// Environment variables (prefixed with FITBRIDGE_)
	v.SetEnvPrefix("FITBRIDGE")
	v.AutomaticEnv()

	// Map environment variables
	v.BindEnv("strava.client_id", "STRAVA_CLIENT_ID")
	v.BindEnv("strava.client_secret", "STRAVA_CLIENT_SECRET")
	v.BindEnv("strava.refresh_token", "STRAVA_REFRESH_TOKEN")
	v.BindEnv("strava.cookie", "STRAVA_COOKIE")
	v.BindEnv("garmin.username", "GARMIN_USERNAME")
	v.BindEnv("garmin.password", "GARMIN_PASSWORD")
	v.BindEnv("garmin_cn.username", "GARMIN_CN_USERNAME")
	v.BindEnv("garmin_cn.password", "GARMIN_CN_PASSWORD")
	v.BindEnv("onedrive.client_id", "ONEDRIVE_CLIENT_ID")
	v.BindEnv("onedrive.client_secret", "ONEDRIVE_CLIENT_SECRET")
	v.BindEnv("onedrive.refresh_token", "ONEDRIVE_REFRESH_TOKEN")
	v.BindEnv("igpsport.username", "IGPSPORT_USERNAME")
	v.BindEnv("igpsport.password", "IGPSPORT_PASSWORD")
	v.BindEnv("mywhoosh.username", "MYWHOOSH_USERNAME")
	v.BindEnv("mywhoosh.password", "MYWHOOSH_PASSWORD")
	v.BindEnv("intervals_icu.athlete_id", "INTERVALS_ICU_ATHLETE_ID")
	v.BindEnv("intervals_icu.api_key", "INTERVALS_ICU_API_KEY")
	v.BindEnv("storage.data_dir", "FITBRIDGE_STORAGE_DATA_DIR")

	// Try to read config file if it exists
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in standard locations
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath(cfg.Storage.DataDir)
		v.AddConfigPath("/etc/fitbridge-sync")
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is OK if we have env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// ValidateStrava checks Strava config
func (c *Config) ValidateStrava() error {
	if c.Strava.ClientID == "" {
		return fmt.Errorf("strava.client_id is required (set STRAVA_CLIENT_ID)")
	}
	if c.Strava.ClientSecret == "" {
		return fmt.Errorf("strava.client_secret is required (set STRAVA_CLIENT_SECRET)")
	}
	return nil
}

// ValidateGarmin checks Garmin config for the given deployment
func (c *Config) ValidateGarmin(cn bool) error {
	g, label := c.Garmin, "garmin"
	if cn {
		g, label = c.GarminCN, "garmin_cn"
	}
	if g.Username == "" || g.Password == "" {
		return fmt.Errorf("%s.username and %s.password are required", label, label)
	}
	return nil
}

// ValidateOneDrive checks OneDrive config
func (c *Config) ValidateOneDrive() error {
	if c.OneDrive.ClientID == "" || c.OneDrive.ClientSecret == "" {
		return fmt.Errorf("onedrive.client_id and onedrive.client_secret are required")
	}
	if c.OneDrive.RefreshToken == "" {
		return fmt.Errorf("onedrive.refresh_token is required (run the OAuth setup once)")
	}
	return nil
}

// ValidateIGPSport checks IGPSport config
func (c *Config) ValidateIGPSport() error {
	if c.IGPSport.Username == "" || c.IGPSport.Password == "" {
		return fmt.Errorf("igpsport.username and igpsport.password are required")
	}
	return nil
}

// ValidateMyWhoosh checks MyWhoosh config
func (c *Config) ValidateMyWhoosh() error {
	if c.MyWhoosh.Username == "" || c.MyWhoosh.Password == "" {
		return fmt.Errorf("mywhoosh.username and mywhoosh.password are required")
	}
	return nil
}

// ValidateIntervalsICU checks Intervals.icu config
func (c *Config) ValidateIntervalsICU() error {
	if c.IntervalsICU.AthleteID == "" || c.IntervalsICU.APIKey == "" {
		return fmt.Errorf("intervals_icu.athlete_id and intervals_icu.api_key are required")
	}
	return nil
}

// EnsureDirectories creates necessary directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.CacheDir,
		c.Storage.SessionsDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
