// Package dotenv loads .env files into the process environment before
// configuration is read.
package dotenv

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadFiles loads KEY=VALUE pairs from each existing path, in order.
// Variables already present in the environment, including ones set by an
// earlier file, are preserved. Missing files are skipped.
func LoadFiles(paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("read env file %q: %w", path, err)
		}
		for key, val := range values {
			if _, exists := os.LookupEnv(key); exists {
				continue
			}
			if err := os.Setenv(key, val); err != nil {
				return fmt.Errorf("set env %q from %q: %w", key, path, err)
			}
		}
	}
	return nil
}
