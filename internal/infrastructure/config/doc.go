// Package config handles loading and validating Hearth Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (hub token, MQTT password, JWT secret) should be set
//     via environment variables rather than the config file
//   - The config file should have restricted permissions (0600)
//   - The JWT secret must be set before the API will start
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Hub.URL)
package config
