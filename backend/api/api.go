// Package api reads the boot image catalog from a remote HTTP endpoint
// instead of the local filesystem. The endpoint does its own entitlement
// filtering, keyed by the client identity passed in the query string.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-logr/logr"
	"github.com/keeleysam/bsdpy/data"
)

// Errors used by the api backend.
var (
	errRequest   = fmt.Errorf("catalog request failed")
	errBadEntry  = fmt.Errorf("unusable image entry")
	errResolve   = fmt.Errorf("failed to resolve disk image host")
	errNoAddress = fmt.Errorf("host has no IPv4 address")
)

// Mirror pre-populates the TFTP root with boot artifacts for remote images.
type Mirror interface {
	Ensure(ctx context.Context, sources []string) error
}

// Fetcher queries a catalog endpoint per request.
type Fetcher struct {
	// URL is the catalog endpoint, parsed once at construction.
	URL *url.URL

	// Key, when set, is sent as a bearer token on every request.
	Key string

	// TFTPRoot prefixes the booter paths the endpoint returns.
	TFTPRoot string

	// HTTPClient issues the catalog requests. http.DefaultClient when nil.
	HTTPClient *http.Client

	// LookupIP resolves disk image hosts. net.LookupIP when nil.
	LookupIP func(host string) ([]net.IP, error)

	// Mirror receives the disk image list on Rescan. Optional.
	Mirror Mirror

	// Log is the logger to be used in the api backend.
	Log logr.Logger
}

// imageEntry is one element of the endpoint's images array.
type imageEntry struct {
	Name       string `json:"name"`
	Priority   int    `json:"priority"`
	BooterURL  string `json:"booter_url"`
	RootDMGURL string `json:"root_dmg_url"`
}

// ReadImages is the implementation of the backend interface. The endpoint
// already filtered by entitlement, so the result is returned as is.
func (f *Fetcher) ReadImages(ctx context.Context, client data.Client) ([]data.BootImage, error) {
	q := url.Values{}
	q.Set("mac_address", client.MACString())
	q.Set("model_name", client.SystemID)
	if !client.IP.IsZero() {
		q.Set("ip_address", client.IP.String())
	}
	entries, err := f.fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	var images []data.BootImage
	for _, e := range entries {
		img, err := f.translate(e)
		if err != nil {
			f.Log.Info("skipping image entry", "name", e.Name, "reason", err.Error())
			continue
		}
		images = append(images, img)
	}

	return images, nil
}

// Rescan pulls the full catalog and hands the disk image locations to the
// mirror so the boot artifacts are on disk before any client asks.
func (f *Fetcher) Rescan(ctx context.Context) error {
	q := url.Values{}
	q.Set("all", "true")
	entries, err := f.fetch(ctx, q)
	if err != nil {
		return err
	}
	var sources []string
	for _, e := range entries {
		if !strings.Contains(e.RootDMGURL, ".nbi") {
			continue
		}
		sources = append(sources, e.RootDMGURL)
	}
	if f.Mirror == nil {
		return nil
	}

	return f.Mirror.Ensure(ctx, sources)
}

func (f *Fetcher) fetch(ctx context.Context, q url.Values) ([]imageEntry, error) {
	u := *f.URL
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errRequest)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", errRequest, resp.StatusCode)
	}
	var body struct {
		Images []imageEntry `json:"images"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%v: %w", err, errRequest)
	}

	return body.Images, nil
}

// translate converts one endpoint entry into a data.BootImage.
func (f *Fetcher) translate(e imageEntry) (data.BootImage, error) {
	if !strings.Contains(e.RootDMGURL, ".nbi") {
		return data.BootImage{}, fmt.Errorf("%w: root_dmg_url is not an image bundle", errBadEntry)
	}
	if e.Name == "" || len(e.Name) > 255 {
		return data.BootImage{}, fmt.Errorf("%w: name empty or too long", errBadEntry)
	}
	id := uint16(1)
	if e.Priority > 0 && e.Priority <= 65535 {
		id = uint16(e.Priority)
	}
	dmg, err := f.resolveHost(e.RootDMGURL)
	if err != nil {
		return data.BootImage{}, err
	}

	return data.BootImage{
		ID:          id,
		Name:        e.Name,
		Description: e.Name,
		Kind:        data.KindNetBoot,
		BooterPath:  path.Join(f.TFTPRoot, e.BooterURL),
		DMGRef:      dmg,
	}, nil
}

// resolveHost replaces the hostname in a disk image URI with its IPv4
// address. Firmware resolves no names, so it is done once here instead of
// once per boot attempt.
func (f *Fetcher) resolveHost(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, errBadEntry)
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return raw, nil
	}
	lookup := f.LookupIP
	if lookup == nil {
		lookup = net.LookupIP
	}
	ips, err := lookup(host)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, errResolve)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			if port := u.Port(); port != "" {
				u.Host = net.JoinHostPort(v4.String(), port)
			} else {
				u.Host = v4.String()
			}
			return u.String(), nil
		}
	}

	return "", fmt.Errorf("%w: %s", errNoAddress, host)
}
