package remote

import "testing"

func TestGetProviderConfigUnknown(t *testing.T) {
	if _, err := GetProviderConfig("not-a-real-provider"); err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
}

func TestResolveEndpointRegionDefaults(t *testing.T) {
	endpoint, region, err := ResolveEndpointRegion("minio", "", "")
	if err != nil {
		t.Fatalf("ResolveEndpointRegion: %v", err)
	}
	if endpoint != "http://localhost:9000" {
		t.Fatalf("got endpoint %q, want http://localhost:9000", endpoint)
	}
	if region != "us-east-1" {
		t.Fatalf("got region %q, want us-east-1", region)
	}
}

func TestResolveEndpointRegionExplicitWins(t *testing.T) {
	endpoint, region, err := ResolveEndpointRegion("aws", "https://s3.example.invalid", "eu-west-1")
	if err != nil {
		t.Fatalf("ResolveEndpointRegion: %v", err)
	}
	if endpoint != "https://s3.example.invalid" {
		t.Fatalf("got endpoint %q, want explicit override preserved", endpoint)
	}
	if region != "eu-west-1" {
		t.Fatalf("got region %q, want eu-west-1", region)
	}
}

func TestResolveEndpointRegionTemplate(t *testing.T) {
	endpoint, _, err := ResolveEndpointRegion("backblaze", "", "eu-central-003")
	if err != nil {
		t.Fatalf("ResolveEndpointRegion: %v", err)
	}
	want := "https://s3.eu-central-003.backblazeb2.com"
	if endpoint != want {
		t.Fatalf("got endpoint %q, want %q", endpoint, want)
	}
}

func TestNormalizeEndpointAddsSchemeAndStripsSlash(t *testing.T) {
	got := normalizeEndpoint("example.com/")
	if got != "https://example.com" {
		t.Fatalf("got %q, want https://example.com", got)
	}
}

func TestValidateEndpointRejectsMissingHost(t *testing.T) {
	if err := ValidateEndpoint("https://"); err == nil {
		t.Fatal("expected an error for an endpoint with no host")
	}
}

func TestRequiresPathStyle(t *testing.T) {
	if !RequiresPathStyle("minio") {
		t.Fatal("expected minio to require path-style addressing")
	}
	if RequiresPathStyle("aws") {
		t.Fatal("expected aws not to require path-style addressing")
	}
}

func TestArchivalStorageClass(t *testing.T) {
	if got := ArchivalStorageClass("aws"); got != "GLACIER" {
		t.Fatalf("got %q, want GLACIER", got)
	}
	if got := ArchivalStorageClass("unknown-provider"); got != "STANDARD" {
		t.Fatalf("got %q, want fallback STANDARD", got)
	}
}

func TestParseRestoreHeader(t *testing.T) {
	cases := map[string]RestoreStatus{
		"":                                                 RestoreStatusReady,
		`ongoing-request="true"`:                           RestoreStatusInProgress,
		`ongoing-request="false", expiry-date="Fri, ..."`: RestoreStatusReady,
	}
	for header, want := range cases {
		if got := parseRestoreHeader(header); got != want {
			t.Errorf("parseRestoreHeader(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestRetryBackoffCapsAtMax(t *testing.T) {
	noJitter := func(n int64) int64 { return n }
	for attempt := 1; attempt <= 10; attempt++ {
		d := RetryBackoff(attempt, 1, 30, noJitter)
		if d > 30 {
			t.Fatalf("attempt %d: backoff %v exceeds max 30", attempt, d)
		}
	}
}
