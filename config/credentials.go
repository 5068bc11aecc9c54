package config

import (
	"fmt"
	"os"
	"strings"
)

// Credentials holds one venue's API key pair. Market data feeds generally
// work unauthenticated; the pair is only mandatory for venues configured
// with require_auth.
type Credentials struct {
	Key    string
	Secret string
}

// VenueCredentials resolves credentials for a venue from the environment
// (<VENUE>_API_KEY / <VENUE>_API_SECRET). A missing pair is an error so
// callers can fail before any connection is attempted.
func VenueCredentials(venue string) (Credentials, error) {
	prefix := strings.ToUpper(strings.TrimSpace(venue))
	if prefix == "" {
		return Credentials{}, fmt.Errorf("venue name is required")
	}

	creds := Credentials{
		Key:    strings.TrimSpace(os.Getenv(prefix + "_API_KEY")),
		Secret: strings.TrimSpace(os.Getenv(prefix + "_API_SECRET")),
	}
	if creds.Key == "" || creds.Secret == "" {
		return Credentials{}, fmt.Errorf("missing credentials for venue %s: set %s_API_KEY and %s_API_SECRET", venue, prefix, prefix)
	}
	return creds, nil
}

// OptionalVenueCredentials returns whatever credentials are present without
// treating absence as an error.
func OptionalVenueCredentials(venue string) Credentials {
	creds, err := VenueCredentials(venue)
	if err != nil {
		return Credentials{}
	}
	return creds
}
