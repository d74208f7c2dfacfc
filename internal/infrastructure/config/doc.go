// Package config handles loading and validating fleetd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with FLEET_* environment variables
//   - Validation of required fields and dispatch tunables
//   - Default value handling
//
// Every dispatch tunable has a default, so a minimal file only needs the
// sections an installation wants to change:
//
//	dispatch:
//	  max_attempts: 3
//	breaker:
//	  open_duration_ms: 60000
//
// Sensitive values (MQTT password, InfluxDB token) should be set via
// environment variables rather than committed to the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Dispatch.PollInterval())
package config
