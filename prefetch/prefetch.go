// Package prefetch mirrors the boot artifacts of remote NetBoot images
// into the local TFTP root so firmware can fetch them without the server
// proxying anything at boot time.
package prefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/go-logr/logr"
)

// Artifacts are the files Apple firmware requests over TFTP for every
// image, relative to the image bundle.
var Artifacts = []string{
	"i386/booter",
	"i386/com.apple.Boot.plist",
	"i386/PlatformSupport.plist",
	"i386/x86_64/kernelcache",
}

// Mirror downloads boot artifacts next to the TFTP root.
type Mirror struct {
	// Root is the local TFTP root the artifacts land under.
	Root string

	// Client fetches the artifacts. http.DefaultClient when nil.
	Client *http.Client

	// Log is the logger to be used in the prefetcher.
	Log logr.Logger
}

// Ensure makes sure every artifact of every source image exists locally.
// A source is a disk image URI; its bundle directory is the artifact
// base. Files already on disk are left alone and failures to fetch one
// artifact never stop the rest.
func (m *Mirror) Ensure(ctx context.Context, sources []string) error {
	for _, src := range sources {
		u, err := url.Parse(src)
		if err != nil {
			m.Log.Info("skipping unparseable image source", "source", src, "err", err)
			continue
		}
		bundle := path.Dir(u.Path)
		local := filepath.Join(m.Root, filepath.FromSlash(bundle))
		if err := os.MkdirAll(filepath.Join(local, "i386", "x86_64"), 0o755); err != nil {
			m.Log.Info("failed to create artifact directory", "path", local, "err", err)
			continue
		}
		for _, artifact := range Artifacts {
			dst := filepath.Join(local, filepath.FromSlash(artifact))
			if _, err := os.Stat(dst); err == nil {
				continue
			}
			remote := *u
			remote.Path = path.Join(bundle, artifact)
			if err := m.download(ctx, remote.String(), dst); err != nil {
				m.Log.Info("failed to mirror artifact", "url", remote.String(), "err", err)
				continue
			}
			m.Log.Info("mirrored artifact", "url", remote.String(), "path", dst)
		}
	}

	return nil
}

func (m *Mirror) download(ctx context.Context, src, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dst)
		return err
	}

	return f.Close()
}
