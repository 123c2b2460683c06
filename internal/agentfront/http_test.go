package agentfront

import (
	"net/http"
	"net/url"
	"testing"
)

func TestHTTPDestinationConnectDefaultPort(t *testing.T) {
	req := &http.Request{Method: http.MethodConnect, URL: &url.URL{Host: "example.com"}, Host: "example.com"}
	dest, err := httpDestination(req, 443)
	if err != nil {
		t.Fatalf("httpDestination: %v", err)
	}
	if dest.Host != "example.com" || dest.Port != 443 {
		t.Fatalf("expected example.com:443, got %+v", dest)
	}
}

func TestHTTPDestinationForwardDefaultPort(t *testing.T) {
	u, _ := url.Parse("http://example.com/some/path")
	req := &http.Request{Method: http.MethodGet, URL: u, Host: "example.com"}
	dest, err := httpDestination(req, 80)
	if err != nil {
		t.Fatalf("httpDestination: %v", err)
	}
	if dest.Host != "example.com" || dest.Port != 80 {
		t.Fatalf("expected example.com:80, got %+v", dest)
	}
}

func TestHTTPDestinationExplicitPort(t *testing.T) {
	u, _ := url.Parse("http://example.com:8080/path")
	req := &http.Request{Method: http.MethodGet, URL: u, Host: "example.com:8080"}
	dest, err := httpDestination(req, 80)
	if err != nil {
		t.Fatalf("httpDestination: %v", err)
	}
	if dest.Port != 8080 {
		t.Fatalf("expected explicit port 8080, got %d", dest.Port)
	}
}

func TestHTTPDestinationMissingHost(t *testing.T) {
	req := &http.Request{Method: http.MethodGet, URL: &url.URL{}, Host: ""}
	if _, err := httpDestination(req, 80); err == nil {
		t.Fatalf("expected error for missing destination host")
	}
}
