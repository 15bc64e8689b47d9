package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/flagx"
	"github.com/dmitrijs2005/gymportal/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations use
// timex.Duration so they may be written as "30m" or as nanoseconds.
type JsonConfig struct {
	StoreBackend            string         `json:"store_backend"`
	StorePath               string         `json:"store_path"`
	DirectoryDSN            string         `json:"directory_dsn"`
	OIDCIssuerURL           string         `json:"oidc_issuer_url"`
	OIDCClientID            string         `json:"oidc_client_id"`
	OIDCClientSecret        string         `json:"oidc_client_secret"`
	OIDCScopes              []string       `json:"oidc_scopes"`
	OIDCLogoutURL           string         `json:"oidc_logout_url"`
	OIDCRefreshMargin       timex.Duration `json:"oidc_refresh_margin"`
	AbsoluteSessionDuration timex.Duration `json:"session_duration"`
	InactivityTimeout       timex.Duration `json:"inactivity_timeout"`
	ActivityCheckInterval   timex.Duration `json:"activity_check_interval"`
	ActivityCoalesceWindow  timex.Duration `json:"activity_coalesce_window"`
	ResolveRetryAttempts    uint64         `json:"resolve_retry_attempts"`
	ResolveRetryDelay       timex.Duration `json:"resolve_retry_delay"`
	LogLevel                string         `json:"log_level"`
}

// parseJson overlays Config with values loaded from a JSON file whose path
// comes from -c/-config or $GYM_CONFIG (see flagx.ConfigFilePath). Only
// fields present with non-zero values override cfg. Read or unmarshal errors
// panic.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigFilePath()
	if jsonConfigFile == "" {
		return
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.StoreBackend, jc.StoreBackend)
	setString(&cfg.StorePath, jc.StorePath)
	setString(&cfg.DirectoryDSN, jc.DirectoryDSN)
	setString(&cfg.OIDC.IssuerURL, jc.OIDCIssuerURL)
	setString(&cfg.OIDC.ClientID, jc.OIDCClientID)
	setString(&cfg.OIDC.ClientSecret, jc.OIDCClientSecret)
	setString(&cfg.OIDC.LogoutURL, jc.OIDCLogoutURL)
	setString(&cfg.LogLevel, jc.LogLevel)
	if len(jc.OIDCScopes) > 0 {
		cfg.OIDC.Scopes = jc.OIDCScopes
	}
	setDuration(&cfg.OIDC.RefreshMargin, jc.OIDCRefreshMargin)
	setDuration(&cfg.AbsoluteSessionDuration, jc.AbsoluteSessionDuration)
	setDuration(&cfg.InactivityTimeout, jc.InactivityTimeout)
	setDuration(&cfg.ActivityCheckInterval, jc.ActivityCheckInterval)
	setDuration(&cfg.ActivityCoalesceWindow, jc.ActivityCoalesceWindow)
	setDuration(&cfg.ResolveRetryDelay, jc.ResolveRetryDelay)
	if jc.ResolveRetryAttempts > 0 {
		cfg.ResolveRetryAttempts = jc.ResolveRetryAttempts
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
