package main

import (
	"fmt"
	"net/url"

	"inet.af/netaddr"
)

// serverIP is a flag.Value for an IP.
type serverIP netaddr.IP

// String returns the string representation of the flag.
func (s *serverIP) String() string {
	n := netaddr.IP(*s)
	if n.IsZero() {
		return ""
	}

	return n.String()
}

// Set sets the value of the flag.
func (s *serverIP) Set(value string) error {
	ip, err := netaddr.ParseIP(value)
	if err != nil {
		return err
	}
	*s = serverIP(ip)
	return nil
}

// webURL is a flag.Value for a URL.
type webURL url.URL

// String returns the string representation of the flag.
func (w *webURL) String() string {
	u := url.URL(*w)
	return u.String()
}

// Set sets the value of the flag.
func (w *webURL) Set(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", value)
	}
	*w = webURL(*u)

	return nil
}
