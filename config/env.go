package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvPrivateKey       = "PRIVATE_KEY"
	EnvFlashbotsAuthKey = "FLASHBOTS_AUTH_KEY"
	EnvRPCEndpoint      = "RPC_ENDPOINT"
	EnvRelayURL         = "RELAY_URL"
	EnvContractAddress  = "FLASH_LOAN_CONTRACT_ADDRESS"
)

// SecureConfig holds the keys that never live in the config file
type SecureConfig struct {
	PrivateKey       string
	FlashbotsAuthKey string
}

// LoadEnv loads environment variables from the given .env files.
// Missing files are ignored so production can rely on the real environment.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadSecureConfig reads the signing keys from the environment
func LoadSecureConfig() (*SecureConfig, error) {
	privateKey, err := GetRequiredEnv(EnvPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("private key not found: %w", err)
	}

	flashbotsKey, err := GetRequiredEnv(EnvFlashbotsAuthKey)
	if err != nil {
		return nil, fmt.Errorf("flashbots key not found: %w", err)
	}

	return &SecureConfig{
		PrivateKey:       privateKey,
		FlashbotsAuthKey: flashbotsKey,
	}, nil
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetRequiredEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("required environment variable %s not set", key)
	}
	return value, nil
}
