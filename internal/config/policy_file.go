package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadPolicyFile overlays retry and cancellation policy from a YAML, JSON or
// TOML document. Only keys present in the file are applied, so the backend
// can ship partial policy updates.
//
//	retry:
//	  max_retries: 5
//	  base_delay: 500ms
//	cancellation:
//	  free_window: 2m
//	  fees:
//	    arrived: 700
func LoadPolicyFile(path string, cfg *AgentConfig) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read policy file %s: %w", path, err)
	}

	if v.IsSet("retry.max_retries") {
		cfg.Retry.MaxRetries = v.GetInt("retry.max_retries")
	}
	if v.IsSet("retry.base_delay") {
		cfg.Retry.BaseDelay = v.GetDuration("retry.base_delay")
	}
	if v.IsSet("retry.backoff_factor") {
		cfg.Retry.BackoffFactor = v.GetFloat64("retry.backoff_factor")
	}
	if v.IsSet("retry.max_delay") {
		cfg.Retry.MaxDelay = v.GetDuration("retry.max_delay")
	}
	if v.IsSet("retry.drain_pacing") {
		cfg.Retry.DrainPacing = v.GetDuration("retry.drain_pacing")
	}

	if v.IsSet("cancellation.free_window") {
		cfg.Cancellation.FreeWindow = v.GetDuration("cancellation.free_window")
	}
	fees := map[string]*int64{
		"cancellation.fees.searching":       &cfg.Cancellation.FeeSearching,
		"cancellation.fees.assigned":        &cfg.Cancellation.FeeAssigned,
		"cancellation.fees.driver_en_route": &cfg.Cancellation.FeeDriverEnRoute,
		"cancellation.fees.arrived":         &cfg.Cancellation.FeeArrived,
	}
	if v.IsSet("cancellation.in_progress_fare_percent") {
		cfg.Cancellation.InProgressFarePercent = v.GetInt64("cancellation.in_progress_fare_percent")
	}
	for key, target := range fees {
		if v.IsSet(key) {
			*target = v.GetInt64(key)
		}
	}
	return nil
}
