package config

import (
	"os"
	"strconv"
	"time"
)

type IngestionServiceConfig struct {
	Port              string
	PostgresCfg       PostgresConfig
	RedisCfg          RedisConfig
	MinioCfg          MinioConfig
	CopernicusCfg     CopernicusConfig
	PlanetaryCfg      PlanetaryComputerConfig
	PlanetCfg         PlanetConfig
	PipelineCfg       PipelineConfig
	WorkerCfg         WorkerConfig
	PremiumTiers      []string
	ScratchDir        string
	MetadataTimeout   time.Duration
	DownloadTimeout   time.Duration
	TokenRefreshSkew  time.Duration
	TokenMaxRetries   int
	ProviderUserAgent string
}

type MinioConfig struct {
	MinioURL       string
	MinioAccessKey string
	MinioSecretKey string
	MinioLocation  string
	MinioSecure    string
}

type PostgresConfig struct {
	DBname   string
	Username string
	Password string
	Host     string
	Port     string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type CopernicusConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	CatalogURL   string
	DownloadURL  string
}

// HasCredentials reports whether both halves of the client-credentials pair are set.
func (c CopernicusConfig) HasCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type PlanetaryComputerConfig struct {
	STACURL     string
	SASTokenURL string
}

type PlanetConfig struct {
	APIKey             string
	SearchURL          string
	ActivationTimeout  time.Duration
	ActivationInterval time.Duration
}

type PipelineConfig struct {
	CompositeWindowDays  int
	MaxCloudCover        float64
	MinCloudFreePct      float64
	MinPixels            int
	AllTouched           bool
	MinValidObservations int
	MergeMethod          string
	WriteBatchSize       int
	WriteMaxRetries      int
}

type WorkerConfig struct {
	NumWorkers           int
	QueueSize            int
	PollInterval         time.Duration
	ClaimBatch           int
	JobTimeout           time.Duration
	ImageryCheckInterval time.Duration
	ImageryLookbackDays  int
	JobRetention         time.Duration
}

func New() *IngestionServiceConfig {
	return &IngestionServiceConfig{
		Port: getEnvOrDefault("PORT", "8090"),
		PostgresCfg: PostgresConfig{
			DBname:   getEnvOrDefault("POSTGRES_DB", "ingestion"),
			Username: getEnvOrDefault("POSTGRES_USER", "postgres"),
			Password: getEnvOrDefault("POSTGRES_PASSWORD", "postgres"),
			Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
			Port:     getEnvOrDefault("POSTGRES_PORT", "5432"),
		},
		RedisCfg: RedisConfig{
			Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
			Port:     getEnvOrDefault("REDIS_PORT", "6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
		},
		MinioCfg: MinioConfig{
			MinioURL:       getEnvOrDefault("MINIO_ENDPOINT", "http://localhost:9407"),
			MinioAccessKey: getEnvOrDefault("MINIO_ACCESS_KEY", "minio"),
			MinioSecretKey: getEnvOrDefault("MINIO_SECRET_KEY", "minio123"),
			MinioLocation:  getEnvOrDefault("MINIO_LOCATION", "us-east-1"),
			MinioSecure:    getEnvOrDefault("MINIO_SECURE", "false"),
		},
		CopernicusCfg: CopernicusConfig{
			ClientID:     getEnvOrDefault("COPERNICUS_CLIENT_ID", ""),
			ClientSecret: getEnvOrDefault("COPERNICUS_CLIENT_SECRET", ""),
			TokenURL: getEnvOrDefault("COPERNICUS_TOKEN_URL",
				"https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"),
			CatalogURL:  getEnvOrDefault("COPERNICUS_CATALOG_URL", "https://catalogue.dataspace.copernicus.eu/odata/v1/Products"),
			DownloadURL: getEnvOrDefault("COPERNICUS_DOWNLOAD_URL", "https://zipper.dataspace.copernicus.eu/odata/v1/Products"),
		},
		PlanetaryCfg: PlanetaryComputerConfig{
			STACURL:     getEnvOrDefault("PLANETARY_COMPUTER_STAC_URL", "https://planetarycomputer.microsoft.com/api/stac/v1"),
			SASTokenURL: getEnvOrDefault("PLANETARY_COMPUTER_SAS_URL", "https://planetarycomputer.microsoft.com/api/sas/v1/token"),
		},
		PlanetCfg: PlanetConfig{
			APIKey:             getEnvOrDefault("PLANET_API_KEY", ""),
			SearchURL:          getEnvOrDefault("PLANET_DATA_API_URL", "https://api.planet.com/data/v1"),
			ActivationTimeout:  getDurationOrDefault("PLANET_ACTIVATION_TIMEOUT", 10*time.Minute),
			ActivationInterval: getDurationOrDefault("PLANET_ACTIVATION_POLL_INTERVAL", 10*time.Second),
		},
		PipelineCfg: PipelineConfig{
			CompositeWindowDays:  getIntOrDefault("COMPOSITE_WINDOW_DAYS", 21),
			MaxCloudCover:        getFloatOrDefault("MAX_CLOUD_COVER", 50),
			MinCloudFreePct:      getFloatOrDefault("MIN_CLOUD_FREE_PCT", 0.3),
			MinPixels:            getIntOrDefault("ZONAL_MIN_PIXELS", 100),
			AllTouched:           getBoolOrDefault("ZONAL_ALL_TOUCHED", true),
			MinValidObservations: getIntOrDefault("COMPOSITE_MIN_VALID_OBSERVATIONS", 1),
			MergeMethod:          getEnvOrDefault("MERGE_METHOD", "highest_resolution"),
			WriteBatchSize:       getIntOrDefault("WRITE_BATCH_SIZE", 50),
			WriteMaxRetries:      getIntOrDefault("WRITE_MAX_RETRIES", 3),
		},
		WorkerCfg: WorkerConfig{
			NumWorkers:           getIntOrDefault("WORKER_COUNT", 2),
			QueueSize:            getIntOrDefault("WORKER_QUEUE_SIZE", 16),
			PollInterval:         getDurationOrDefault("SCHEDULER_POLL_INTERVAL", time.Minute),
			ClaimBatch:           getIntOrDefault("SCHEDULER_CLAIM_BATCH", 4),
			JobTimeout:           getDurationOrDefault("JOB_TIMEOUT", 45*time.Minute),
			ImageryCheckInterval: getDurationOrDefault("IMAGERY_CHECK_INTERVAL", 24*time.Hour),
			ImageryLookbackDays:  getIntOrDefault("IMAGERY_LOOKBACK_DAYS", 30),
			JobRetention:         getDurationOrDefault("JOB_RETENTION", 7*24*time.Hour),
		},
		PremiumTiers:      []string{"professional", "enterprise"},
		ScratchDir:        getEnvOrDefault("SCRATCH_DIR", os.TempDir()),
		MetadataTimeout:   getDurationOrDefault("METADATA_TIMEOUT", 30*time.Second),
		DownloadTimeout:   getDurationOrDefault("DOWNLOAD_TIMEOUT", 10*time.Minute),
		TokenRefreshSkew:  getDurationOrDefault("TOKEN_REFRESH_SKEW", 5*time.Minute),
		TokenMaxRetries:   getIntOrDefault("TOKEN_MAX_RETRIES", 3),
		ProviderUserAgent: getEnvOrDefault("PROVIDER_USER_AGENT", "ingestion-service/1.0"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return value
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}
