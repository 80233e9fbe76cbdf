package config

import (
	"quotemirror/pkg/advisor"
	"quotemirror/pkg/provider"
)

// MustLoadProvider loads etc/provider.yaml from the project root and panics
// on error. It isolates provider config so tests and tooling do not need the
// full application config to get a data source.
func MustLoadProvider() *provider.Config {
	return provider.MustLoad()
}

// MustBuildProviders loads provider config from the default path and builds
// provider instances; returns the map and default provider name.
func MustBuildProviders() (map[string]provider.Provider, string) {
	cfg := MustLoadProvider()
	providers, err := cfg.BuildProviders()
	if err != nil {
		panic(err)
	}
	return providers, cfg.Default
}

// MustLoadAdvisor loads etc/advisor.yaml from the project root and panics on error.
func MustLoadAdvisor() *advisor.Config {
	return advisor.MustLoad()
}
