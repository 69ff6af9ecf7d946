package providers

import (
	"os"
	"time"

	"ingestion-service/internal/config"
)

// Options are the transport settings shared by every provider.
type Options struct {
	MetadataTimeout    time.Duration
	DownloadTimeout    time.Duration
	ScratchDir         string
	UserAgent          string
	TokenRefreshSkew   time.Duration
	TokenMaxRetries    int
	ActivationTimeout  time.Duration
	ActivationInterval time.Duration
}

func OptionsFromConfig(cfg *config.IngestionServiceConfig) Options {
	return Options{
		MetadataTimeout:    cfg.MetadataTimeout,
		DownloadTimeout:    cfg.DownloadTimeout,
		ScratchDir:         cfg.ScratchDir,
		UserAgent:          cfg.ProviderUserAgent,
		TokenRefreshSkew:   cfg.TokenRefreshSkew,
		TokenMaxRetries:    cfg.TokenMaxRetries,
		ActivationTimeout:  cfg.PlanetCfg.ActivationTimeout,
		ActivationInterval: cfg.PlanetCfg.ActivationInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.MetadataTimeout <= 0 {
		o.MetadataTimeout = 30 * time.Second
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 10 * time.Minute
	}
	if o.ScratchDir == "" {
		o.ScratchDir = os.TempDir()
	}
	if o.UserAgent == "" {
		o.UserAgent = "ingestion-service/1.0"
	}
	if o.TokenRefreshSkew <= 0 {
		o.TokenRefreshSkew = 5 * time.Minute
	}
	if o.TokenMaxRetries <= 0 {
		o.TokenMaxRetries = 3
	}
	if o.ActivationTimeout <= 0 {
		o.ActivationTimeout = 10 * time.Minute
	}
	if o.ActivationInterval <= 0 {
		o.ActivationInterval = 10 * time.Second
	}
	return o
}
