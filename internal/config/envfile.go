package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read when APP_ENV_FILE is unset.
const DefaultEnvFile = ".env"

// LoadEnvFile seeds the process environment from a dotenv file before Load
// runs. Variables already present in the environment win. A missing default
// file is not an error; a missing explicit file is.
func LoadEnvFile(path string) (string, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultEnvFile
	}
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("env file %s: %w", path, err)
	}
	return path, nil
}
