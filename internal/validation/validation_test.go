package validation

import "testing"

func TestIsValidScanURL(t *testing.T) {
	valid := []string{
		"https://merchant.example",
		"http://shop.example.com/checkout",
		"https://example.com:8443/",
	}
	for _, u := range valid {
		if !IsValidScanURL(u) {
			t.Errorf("Expected %q to be valid", u)
		}
	}

	invalid := []string{
		"",
		"ftp://example.com",
		"file:///etc/passwd",
		"not a url",
		"https://",
	}
	for _, u := range invalid {
		if IsValidScanURL(u) {
			t.Errorf("Expected %q to be invalid", u)
		}
	}
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"Shop.Example.COM":        "shop.example.com",
		"www.example.com":         "example.com",
		"example.com:8443":        "example.com",
		"example.com.":            "example.com",
		"  WWW.Example.com:80  ":  "example.com",
		"merchant.example":        "merchant.example",
	}
	for in, want := range cases {
		if got := NormalizeHost(in); got != want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeHostIsStable(t *testing.T) {
	// Normalization is idempotent — re-normalizing must not change the result.
	for _, h := range []string{"www.example.com", "EXAMPLE.com:443", "a.b.c"} {
		once := NormalizeHost(h)
		if twice := NormalizeHost(once); twice != once {
			t.Errorf("NormalizeHost not idempotent for %q: %q != %q", h, once, twice)
		}
	}
}

func TestIsValidHostname(t *testing.T) {
	if !IsValidHostname("merchant.example.com") {
		t.Error("Plain hostname should be valid")
	}
	if IsValidHostname("-leading.example") {
		t.Error("Leading hyphen should be invalid")
	}
	if IsValidHostname("bad host") {
		t.Error("Spaces should be invalid")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("Expected helloworld, got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("Expected truncation to abc, got %q", got)
	}
}
