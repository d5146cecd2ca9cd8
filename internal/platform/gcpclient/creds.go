// Package gcpclient centralizes Google Cloud client-option construction
// so every GCP-backed client (Vision, Storage) authenticates the same way.
package gcpclient

import (
	"os"
	"strings"

	"google.golang.org/api/option"
)

// OptionsFromEnv builds client options from either a raw service-account
// JSON blob or a path to one, matching whichever of the two env vars is set.
func OptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}
