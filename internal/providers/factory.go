package providers

import (
	"log/slog"

	"ingestion-service/internal/config"
	"ingestion-service/internal/imagery"
	"ingestion-service/internal/models"
)

// FallbackResolution is used when no provider is active.
const FallbackResolution = 10.0

// Factory builds the provider set for a farm. The free Sentinel-2 provider
// is built once so its token cache is shared by every farm run.
type Factory struct {
	cfg          *config.IngestionServiceConfig
	reader       imagery.Reader
	opts         Options
	free         Provider
	premiumTiers []string
}

func NewFactory(cfg *config.IngestionServiceConfig, reader imagery.Reader) *Factory {
	opts := OptionsFromConfig(cfg).withDefaults()
	f := &Factory{
		cfg:          cfg,
		reader:       reader,
		opts:         opts,
		premiumTiers: cfg.PremiumTiers,
	}
	if cfg.CopernicusCfg.HasCredentials() {
		slog.Info("Using Copernicus Data Space for Sentinel-2")
		f.free = NewCopernicusProvider(cfg.CopernicusCfg, reader, opts)
	} else {
		slog.Info("Copernicus credentials not configured, using Planetary Computer for Sentinel-2")
		f.free = NewPlanetaryComputerProvider(cfg.PlanetaryCfg, reader, opts)
	}
	return f
}

// ForFarm returns the free provider, plus PlanetScope for premium tiers when
// an API key is available from the farm or the service configuration.
func (f *Factory) ForFarm(farm *models.FarmConfig) []Provider {
	providers := []Provider{f.free}
	if !farm.Tier.IsPremium(f.premiumTiers) {
		return providers
	}

	apiKey := f.cfg.PlanetCfg.APIKey
	if farm.PlanetAPIKey != nil && *farm.PlanetAPIKey != "" {
		apiKey = *farm.PlanetAPIKey
	}
	if apiKey == "" {
		slog.Warn("Premium tier without Planet API key, continuing with Sentinel-2 only",
			"farm_id", farm.FarmExternalID,
			"tier", farm.Tier)
		return providers
	}
	return append(providers, NewPlanetScopeProvider(apiKey, f.cfg.PlanetCfg.SearchURL, f.reader, f.opts))
}

// DefaultResolution is the merge target: the finest native resolution among
// providers.
func DefaultResolution(providers []Provider) float64 {
	if len(providers) == 0 {
		return FallbackResolution
	}
	res := providers[0].ResolutionMeters()
	for _, p := range providers[1:] {
		res = min(res, p.ResolutionMeters())
	}
	return res
}
