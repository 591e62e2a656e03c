package config

import (
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"

	"github.com/kilnhq/kiln/lib/assembly"
)

type Config struct {
	Port                    string
	DataDir                 string
	MaxConcurrentAssemblies int
	MaxContextSize          datasize.ByteSize
	Installer               string
	DefaultManifest         string
	DefaultWorkDir          string
	PushRegistry            string
	JwtSecret               string
	OtelEnabled             bool
}

// Load loads configuration from environment variables.
// Automatically loads .env file if present.
func Load() *Config {
	_ = godotenv.Load()

	defaults := assembly.DefaultConfig()

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		DataDir:                 getEnv("DATA_DIR", "/var/lib/kiln"),
		MaxConcurrentAssemblies: getEnvInt("MAX_CONCURRENT_ASSEMBLIES", defaults.MaxConcurrentAssemblies),
		MaxContextSize:          getEnvSize("MAX_CONTEXT_SIZE", datasize.ByteSize(defaults.MaxContextBytes)),
		Installer:               getEnv("INSTALLER", defaults.Installer),
		DefaultManifest:         getEnv("DEFAULT_MANIFEST", defaults.DefaultManifest),
		DefaultWorkDir:          getEnv("DEFAULT_WORKDIR", defaults.DefaultWorkDir),
		PushRegistry:            getEnv("PUSH_REGISTRY", ""),
		JwtSecret:               getEnv("JWT_SECRET", ""),
		OtelEnabled:             getEnvBool("OTEL_ENABLED", false),
	}

	return cfg
}

// AssemblyConfig maps the environment configuration onto the assembly
// manager's settings.
func (c *Config) AssemblyConfig() assembly.Config {
	ac := assembly.DefaultConfig()
	ac.MaxConcurrentAssemblies = c.MaxConcurrentAssemblies
	ac.MaxContextBytes = int64(c.MaxContextSize)
	ac.Installer = c.Installer
	ac.DefaultManifest = c.DefaultManifest
	ac.DefaultWorkDir = c.DefaultWorkDir
	ac.PushRegistry = c.PushRegistry
	return ac
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvSize parses human-readable sizes like "512MB" or "1GB".
func getEnvSize(key string, defaultValue datasize.ByteSize) datasize.ByteSize {
	if value := os.Getenv(key); value != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(value)); err == nil {
			return size
		}
	}
	return defaultValue
}
