package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all qabridge configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`

	// EnvFile is the dotenv file carrying the Testray OAuth client
	// credentials (CLIENT_ID/CLIENT_SECRET).
	EnvFile string `json:"env_file"`

	JiraBaseURL   string `json:"jira_base_url"`
	TestrayWebURL string `json:"testray_web_url"`

	// Triage defaults.
	RoutineID        int64             `json:"routine_id"`
	TestrayProjectID int64             `json:"testray_project_id"`
	ProjectKey       string            `json:"project_key"`
	ProjectName      string            `json:"project_name"`
	TeamName         string            `json:"team_name"`
	ComponentMap     map[string]string `json:"component_map"`

	// HistoryMaxAgeHours bounds the case-history cache.
	HistoryMaxAgeHours int `json:"history_max_age_hours"`
}

func defaultConfig() Config {
	return Config{
		DBPath:             filepath.Join(qabridgeDir(), "qabridge.db"),
		LogLevel:           "info",
		EnvFile:            ".automated-tasks.env",
		HistoryMaxAgeHours: 24,
	}
}

func qabridgeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qabridge"
	}
	return filepath.Join(home, ".qabridge")
}

func settingsPath() string {
	return filepath.Join(qabridgeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("QABRIDGE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("QABRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QABRIDGE_ENV_FILE"); v != "" {
		cfg.EnvFile = v
	}
	if v := os.Getenv("QABRIDGE_JIRA_BASE_URL"); v != "" {
		cfg.JiraBaseURL = v
	}
	if v := os.Getenv("QABRIDGE_TESTRAY_WEB_URL"); v != "" {
		cfg.TestrayWebURL = v
	}
	if v := os.Getenv("QABRIDGE_ROUTINE_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RoutineID = n
		}
	}
	if v := os.Getenv("QABRIDGE_TESTRAY_PROJECT_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TestrayProjectID = n
		}
	}
	if v := os.Getenv("QABRIDGE_PROJECT_KEY"); v != "" {
		cfg.ProjectKey = v
	}
	if v := os.Getenv("QABRIDGE_TEAM_NAME"); v != "" {
		cfg.TeamName = v
	}
	if v := os.Getenv("QABRIDGE_HISTORY_MAX_AGE_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryMaxAgeHours = n
		}
	}

	return cfg
}
