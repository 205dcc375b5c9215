package i18n

import (
	"strings"
	"testing"
)

func TestGetCatalogFallsBackToEnUS(t *testing.T) {
	c := GetCatalog("xx-XX")
	if c.Locale() != "en-US" {
		t.Fatalf("locale = %q, want en-US", c.Locale())
	}
	if c := GetCatalog(""); c.Locale() != "en-US" {
		t.Fatalf("empty locale = %q, want en-US", c.Locale())
	}
}

func TestFormatRendersMetadata(t *testing.T) {
	c := GetCatalog("en-US")
	msg := c.Format(CodeRateLimited, map[string]string{"RetryAfterSeconds": "7"})
	if !strings.Contains(msg, "7 seconds") {
		t.Fatalf("message = %q, want retry seconds rendered", msg)
	}
}

func TestFormatUnknownCodeReturnsCode(t *testing.T) {
	c := GetCatalog("en-US")
	if got := c.Format("NO_SUCH_CODE", nil); got != "NO_SUCH_CODE" {
		t.Fatalf("message = %q, want code echoed", got)
	}
}

func TestFormatNilMetadataRendersEmpty(t *testing.T) {
	c := GetCatalog("en-US")
	msg := c.Format(CodeImplausiblePoints, nil)
	if strings.Contains(msg, "{{") {
		t.Fatalf("message = %q, want template executed", msg)
	}
}
