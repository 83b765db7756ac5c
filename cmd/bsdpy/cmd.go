// Package main provides a cmd line utility for the library.
package main

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/go-logr/logr"
	"github.com/keeleysam/bsdpy/backend/api"
	"github.com/keeleysam/bsdpy/backend/file"
	"github.com/keeleysam/bsdpy/handler/bsdp"
	"github.com/keeleysam/bsdpy/prefetch"
	"inet.af/netaddr"
)

type cli struct {
	// Logger is the logger to use.
	Logger   logr.Logger
	NBIPath  string
	Proto    string
	ServerIP netaddr.IP
	NBIURL   *url.URL
	APIURL   *url.URL
	APIKey   string
}

// catalogBackend is what the daemon needs from a backend: the handler's
// read side plus the rescan hook for SIGUSR1.
type catalogBackend interface {
	bsdp.BackendReader
	Rescan(context.Context) error
}

// cliautomagic builds the backend from the cli config and returns it with
// the disk image base the handler prefixes onto image references.
func cliautomagic(ctx context.Context, c cli) (catalogBackend, string, error) {
	if c.APIURL != nil {
		f := &api.Fetcher{
			URL:      c.APIURL,
			Key:      c.APIKey,
			TFTPRoot: c.NBIPath,
			Log:      c.Logger.WithValues("backend", "api"),
			Mirror:   &prefetch.Mirror{Root: c.NBIPath, Log: c.Logger.WithValues("backend", "api")},
		}
		if err := f.Rescan(ctx); err != nil {
			// clients that boot before artifacts land will retry
			c.Logger.Error(err, "initial catalog prefetch failed")
		}

		// the endpoint hands out full disk image URIs, nothing to prefix
		return f, "", nil
	}

	s, err := file.NewScanner(c.Logger.WithValues("backend", "file"), c.NBIPath)
	if err != nil {
		return nil, "", err
	}
	go s.Start(ctx)
	base, err := dmgBase(c)
	if err != nil {
		return nil, "", err
	}

	return s, base, nil
}

// dmgBase forms the location clients resolve disk image references
// against: an NFS triple or an HTTP base with a pre-resolved host.
func dmgBase(c cli) (string, error) {
	if c.Proto == "nfs" {
		return fmt.Sprintf("nfs:%s:%s:", c.ServerIP, c.NBIPath), nil
	}
	if c.NBIURL == nil {
		return fmt.Sprintf("http://%s/", c.ServerIP), nil
	}

	host := c.NBIURL.Hostname()
	if net.ParseIP(host) == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return "", fmt.Errorf("failed to resolve nbi url host %s: %w", host, err)
		}
		var v4 net.IP
		for _, ip := range ips {
			if a := ip.To4(); a != nil {
				v4 = a
				break
			}
		}
		if v4 == nil {
			return "", fmt.Errorf("nbi url host %s has no IPv4 address", host)
		}
		host = v4.String()
	}
	if port := c.NBIURL.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	}

	return fmt.Sprintf("http://%s%s/", host, c.NBIURL.Path), nil
}
