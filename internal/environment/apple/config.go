package apple

// ProviderConfig holds Apple Container settings from environment.provider_config.
type ProviderConfig struct {
	// RuntimeUser overrides the detected UID used for exec.
	RuntimeUser string
	// RuntimeGroup overrides the detected GID used for file ownership.
	RuntimeGroup string
}

// ParseProviderConfig extracts Apple Container settings from the generic map.
func ParseProviderConfig(config map[string]any) ProviderConfig {
	pc := ProviderConfig{}
	if v, ok := config["runtime_user"].(string); ok {
		pc.RuntimeUser = v
	}
	if v, ok := config["runtime_group"].(string); ok {
		pc.RuntimeGroup = v
	}
	return pc
}
