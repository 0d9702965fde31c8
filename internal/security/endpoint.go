package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// metadataHosts are cloud metadata endpoints a collaborator URL must never
// point at.
var metadataHosts = []string{"metadata.google.internal", "metadata.google", "metadata"}

// ValidateServiceURL checks a collaborator base URL. Collaborators usually
// live on the private network, so private addresses are accepted, but
// link-local (cloud metadata) and unspecified addresses are not, nor are
// embedded credentials. With requireTLS only https is accepted.
func ValidateServiceURL(rawURL string, requireTLS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	switch u.Scheme {
	case "https":
	case "http":
		if requireTLS {
			return fmt.Errorf("URL scheme must be https")
		}
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not embed credentials")
	}

	host := u.Hostname()
	for _, b := range metadataHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	return nil
}

func checkIP(ip net.IP) error {
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local addresses are not allowed")
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified addresses are not allowed")
	}
	if ip.IsMulticast() {
		return fmt.Errorf("multicast addresses are not allowed")
	}
	return nil
}

// ValidateEndpointURL checks a URL supplied by a trader, such as a webhook
// target. On top of ValidateServiceURL rules it blocks localhost, loopback
// and private addresses, both for IP literals and for every address the host
// resolves to.
func ValidateEndpointURL(rawURL string) error {
	if err := ValidateServiceURL(rawURL, false); err != nil {
		return err
	}
	u, _ := url.Parse(rawURL)
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("URL host %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkPublicIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			if err := checkPublicIP(ip); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %v", host, err)
			}
		}
	}
	return nil
}

func checkPublicIP(ip net.IP) error {
	if ip.IsLoopback() {
		return fmt.Errorf("loopback addresses are not allowed")
	}
	if ip.IsPrivate() {
		return fmt.Errorf("private addresses are not allowed")
	}
	return checkIP(ip)
}
