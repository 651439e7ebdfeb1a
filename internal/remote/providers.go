package remote

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ProviderConfig describes one known S3-compatible archival provider:
// its default endpoint/region and whether it needs path-style bucket
// addressing.
type ProviderConfig struct {
	Name string
	DefaultEndpoint string
	DefaultRegion string
	EndpointTemplate string // formatted with the region when set
	RequiresRegion bool
	PathStyle bool
	ArchivalClass string // the StorageClass value meaning "cold"
}

// KnownProviders lists the providers cryophile ships defaults for.
// Any S3-compatible endpoint not listed here still works via
// --endpoint/--region/--path-style on the config layer; this registry
// only saves the operator from typing well-known values.
var KnownProviders = map[string]ProviderConfig{
	"aws": {
		Name: "AWS S3",
		DefaultEndpoint: "https://s3.amazonaws.com",
		DefaultRegion: "us-east-1",
		RequiresRegion: true,
		ArchivalClass: "GLACIER",
	},
	"minio": {
		Name: "MinIO",
		DefaultEndpoint: "http://localhost:9000",
		DefaultRegion: "us-east-1",
		PathStyle: true,
		// MinIO has no archival tier of its own; STANDARD is used so
		// the freeze/thaw round trip still exercises the full upload
		// and download paths in integration tests.
		ArchivalClass: "STANDARD",
	},
	"wasabi": {
		Name: "Wasabi",
		DefaultEndpoint: "https://s3.wasabisys.com",
		DefaultRegion: "us-east-1",
		RequiresRegion: true,
		ArchivalClass: "STANDARD",
	},
	"backblaze": {
		Name: "Backblaze B2",
		DefaultEndpoint: "https://s3.us-west-000.backblazeb2.com",
		DefaultRegion: "us-west-000",
		RequiresRegion: true,
		PathStyle: true,
		EndpointTemplate: "https://s3.%s.backblazeb2.com",
		ArchivalClass: "STANDARD",
	},
	"cloudflare": {
		Name: "Cloudflare R2",
		DefaultEndpoint: "https://<account-id>.r2.cloudflarestorage.com",
		DefaultRegion: "auto",
		ArchivalClass: "STANDARD",
	},
	"scaleway": {
		Name: "Scaleway Object Storage",
		DefaultEndpoint: "https://s3.fr-par.scw.cloud",
		DefaultRegion: "fr-par",
		RequiresRegion: true,
		EndpointTemplate: "https://s3.%s.scw.cloud",
		ArchivalClass: "GLACIER",
	},
}

// GetProviderConfig looks up a provider by name, case-insensitively.
func GetProviderConfig(provider string) (ProviderConfig, error) {
	if provider == "" {
		return ProviderConfig{}, fmt.Errorf("remote: provider name is required")
	}
	cfg, ok := KnownProviders[strings.ToLower(provider)]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("remote: unknown provider %q (known: %s)",
			provider, strings.Join(providerNames(), ", "))
	}
	return cfg, nil
}

// ResolveEndpointRegion fills in endpoint/region from the provider's
// defaults wherever the caller left them blank, and normalizes the
// endpoint URL. An explicit endpoint or region from config always
// wins over the provider default.
func ResolveEndpointRegion(provider, endpoint, region string) (string, string, error) {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		if endpoint == "" {
			return "", "", err
		}
		// An unlisted provider is usable with an explicit endpoint;
		// there are no defaults to fill in.
		return normalizeEndpoint(endpoint), region, nil
	}

	if endpoint == "" {
		if cfg.EndpointTemplate != "" && region != "" {
			endpoint = fmt.Sprintf(cfg.EndpointTemplate, region)
		} else {
			endpoint = cfg.DefaultEndpoint
		}
	}
	endpoint = normalizeEndpoint(endpoint)

	if region == "" {
		region = cfg.DefaultRegion
	}

	return endpoint, region, nil
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// ValidateEndpoint checks that endpoint is a well-formed http(s) URL
// with a host, the minimum the SDK needs to build requests against it.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("remote: invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("remote: endpoint must use http:// or https://")
	}
	if u.Host == "" {
		return fmt.Errorf("remote: endpoint must include a hostname")
	}
	return nil
}

// RequiresPathStyle reports whether provider needs path-style bucket
// addressing (most non-AWS S3-compatible stores do).
func RequiresPathStyle(provider string) bool {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return false
	}
	return cfg.PathStyle
}

// ArchivalStorageClass returns the StorageClass value the freeze
// worker should default to for provider: an archival class that
// requires a restore request before the object can be read.
func ArchivalStorageClass(provider string) string {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return "STANDARD"
	}
	return cfg.ArchivalClass
}

func providerNames() []string {
	names := make([]string, 0, len(KnownProviders))
	for name := range KnownProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
