package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/stravalytics/stravasync/internal/logger"
	"github.com/stravalytics/stravasync/internal/models"
)

const (
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction
	defaultTokenFile    = "strava_tokens.json"
	defaultTokenURL     = "https://www.strava.com/oauth/token"
	defaultAPIBaseURL   = "https://www.strava.com/api/v3"
	defaultTable        = "activities"
)

const (
	ModeSync         = "sync"
	ModeTokenCheck   = "token-check"
	ModeTokenRefresh = "token-refresh"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Environment
	Environment string

	// What to do: sync, token-check or token-refresh
	Mode string

	// Database to connect to
	DatabaseDSN string

	// Path of the credential file
	TokenFile string

	// OAuth application credentials
	ClientID     string
	ClientSecret string

	// API endpoints, overridable for testing against a fake server
	TokenURL   string
	APIBaseURL string

	// Run parameters
	Table    string
	Policy   string
	Dedup    bool
	MaxPages int

	// Optional date window, RFC3339 or YYYY-MM-DD
	After  string
	Before string

	// Exchange the token even when it is still valid
	ForceRefresh bool
}

func NewConfig() *Config {
	return &Config{
		LogLevel:    defaultLoggingLevel,
		Environment: defaultEnvironment,
		Mode:        ModeSync,
		TokenFile:   defaultTokenFile,
		TokenURL:    defaultTokenURL,
		APIBaseURL:  defaultAPIBaseURL,
		Table:       defaultTable,
		Policy:      models.PolicyAppend,
		Dedup:       true,
	}
}

// Load variables from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setBool := func(o *bool) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}
			*o = parsed
			return nil
		}
	}
	setInt := func(o *int) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			*o = parsed
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"LOG_LEVEL":            setString(&c.LogLevel),
		"ENVIRONMENT":          setString(&c.Environment),
		"DATABASE_URI":         setString(&c.DatabaseDSN),
		"STRAVA_TOKEN_FILE":    setString(&c.TokenFile),
		"STRAVA_CLIENT_ID":     setString(&c.ClientID),
		"STRAVA_CLIENT_SECRET": setString(&c.ClientSecret),
		"STRAVA_TOKEN_URL":     setString(&c.TokenURL),
		"STRAVA_API_URL":       setString(&c.APIBaseURL),
		"SYNC_TABLE":           setString(&c.Table),
		"SYNC_POLICY":          setString(&c.Policy),
		"SYNC_DEDUP":           setBool(&c.Dedup),
		"SYNC_MAX_PAGES":       setInt(&c.MaxPages),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid value of %s: %w", key, err)
		}
	}

	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("stravasync", pflag.ContinueOnError)

	fs.StringVarP(&c.Mode, "mode", "m", c.Mode, "Mode to run (sync, token-check, token-refresh)")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.TokenFile, "token-file", "t", c.TokenFile, "Path of the credential file")
	fs.StringVar(&c.ClientID, "client-id", c.ClientID, "OAuth client id")
	fs.StringVar(&c.ClientSecret, "client-secret", c.ClientSecret, "OAuth client secret")
	fs.StringVar(&c.TokenURL, "token-url", c.TokenURL, "OAuth token endpoint")
	fs.StringVar(&c.APIBaseURL, "api-url", c.APIBaseURL, "Activity API base URL")
	fs.StringVarP(&c.Table, "table", "T", c.Table, "Destination table name")
	fs.StringVarP(&c.Policy, "policy", "p", c.Policy, "Conflict policy (append, replace, fail)")
	fs.BoolVar(&c.Dedup, "dedup", c.Dedup, "Skip activities already present in the table")
	fs.IntVar(&c.MaxPages, "max-pages", c.MaxPages, "Page limit per run, 0 means the default")
	fs.StringVar(&c.After, "after", c.After, "Only activities after this date (RFC3339 or YYYY-MM-DD)")
	fs.StringVar(&c.Before, "before", c.Before, "Only activities before this date (RFC3339 or YYYY-MM-DD)")
	fs.BoolVar(&c.ForceRefresh, "force-refresh", c.ForceRefresh, "Refresh the token even when it is still valid")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")

	return fs.Parse(args)
}
