// Package file scans a directory of NetBoot image bundles (*.nbi) and
// serves them as the boot image catalog.
package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/keeleysam/bsdpy/catalog"
	"github.com/keeleysam/bsdpy/data"
	"howett.net/plist"
)

// Errors used by the scanner.
var (
	errNoDescriptor = fmt.Errorf("no NBImageInfo.plist in bundle")
	errDescriptor   = fmt.Errorf("invalid NBImageInfo.plist")
	errNoBooter     = fmt.Errorf("boot file not found in bundle")
	errNoDMG        = fmt.Errorf("no disk image in bundle")
	errBadRecord    = fmt.Errorf("unusable image record")
)

// Scanner walks a catalog root for *.nbi bundles and keeps an in memory
// snapshot of the images it found.
type Scanner struct {
	// Root is the directory holding the *.nbi bundles, also the TFTP root.
	Root string

	// Log is the logger to be used in the file backend.
	Log logr.Logger

	mu      sync.RWMutex // protects images
	images  []data.BootImage
	watcher *fsnotify.Watcher
}

// NewScanner creates a scanner over root and runs the first scan.
func NewScanner(l logr.Logger, root string) (*Scanner, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(root); err != nil {
		return nil, err
	}
	s := &Scanner{
		Root:    root,
		Log:     l,
		watcher: watcher,
	}
	if err := s.Rescan(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

// ReadImages is the implementation of the backend interface. It filters
// the current snapshot down to the images the client is entitled to.
func (s *Scanner) ReadImages(_ context.Context, client data.Client) ([]data.BootImage, error) {
	s.mu.RLock()
	images := s.images
	s.mu.RUnlock()

	return catalog.Filter(s.Log, images, client), nil
}

// Rescan walks the root again and atomically replaces the snapshot. A
// failed walk leaves the previous snapshot in place. Unusable bundles are
// logged and skipped, they never fail the scan.
func (s *Scanner) Rescan(_ context.Context) error {
	bundles, err := s.findBundles()
	if err != nil {
		return err
	}
	var images []data.BootImage
	for _, bundle := range bundles {
		img, err := s.translate(bundle)
		if err != nil {
			s.Log.Info("skipping image bundle", "bundle", bundle, "reason", err.Error())
			continue
		}
		images = append(images, img)
	}
	s.mu.Lock()
	s.images = images
	s.mu.Unlock()
	s.Log.Info("catalog scan complete", "images", len(images), "bundles", len(bundles))

	return nil
}

// Start watches the root for changes and rescans on each one. It is the
// same code path SIGUSR1 triggers. Start is a blocking method, use a
// context cancellation to exit.
func (s *Scanner) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Log.Info("stopping watcher")
			s.watcher.Close()
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			s.Log.Info("catalog root changed, rescanning", "event", event.Op.String(), "name", event.Name)
			if err := s.Rescan(ctx); err != nil {
				s.Log.Error(err, "rescan failed, keeping previous catalog")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				continue
			}
			s.Log.Info("error watching catalog root", "err", err)
		}
	}
}

// findBundles returns the *.nbi directories under Root in lexical order.
// Bundles do not nest, so the walk never descends into one.
func (s *Scanner) findBundles() ([]string, error) {
	var bundles []string
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == s.Root {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".nbi") {
			bundles = append(bundles, path)
			return filepath.SkipDir
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(bundles)

	return bundles, nil
}

// imageInfo is the structure of an NBImageInfo.plist descriptor.
type imageInfo struct {
	Index                     int      `plist:"Index"`
	IsEnabled                 bool     `plist:"IsEnabled"`
	IsDefault                 bool     `plist:"IsDefault"`
	Name                      string   `plist:"Name"`
	Description               string   `plist:"Description"`
	BootFile                  string   `plist:"BootFile"`
	Type                      string   `plist:"Type"`
	EnabledSystemIdentifiers  []string `plist:"EnabledSystemIdentifiers"`
	DisabledSystemIdentifiers []string `plist:"DisabledSystemIdentifiers"`
	EnabledMACAddresses       []string `plist:"EnabledMACAddresses"`
}

// translate converts one bundle into a data.BootImage.
func (s *Scanner) translate(bundle string) (data.BootImage, error) {
	raw, err := os.ReadFile(filepath.Clean(filepath.Join(bundle, "NBImageInfo.plist")))
	if err != nil {
		return data.BootImage{}, fmt.Errorf("%v: %w", err, errNoDescriptor)
	}
	var info imageInfo
	if _, err := plist.Unmarshal(raw, &info); err != nil {
		return data.BootImage{}, fmt.Errorf("%v: %w", err, errDescriptor)
	}

	if info.Index <= 0 || info.Index > 65535 {
		return data.BootImage{}, fmt.Errorf("%w: index %d out of range", errBadRecord, info.Index)
	}
	if !info.IsEnabled {
		return data.BootImage{}, fmt.Errorf("%w: disabled", errBadRecord)
	}
	if info.Name == "" || len(info.Name) > 255 {
		return data.BootImage{}, fmt.Errorf("%w: name empty or too long", errBadRecord)
	}
	if both := intersect(info.EnabledSystemIdentifiers, info.DisabledSystemIdentifiers); len(both) > 0 {
		return data.BootImage{}, fmt.Errorf("%w: system ids both enabled and disabled: %v", errBadRecord, both)
	}

	booter, err := s.findFile(bundle, func(name string) bool { return name == info.BootFile })
	if err != nil {
		return data.BootImage{}, fmt.Errorf("%v: %w", err, errNoBooter)
	}

	img := data.BootImage{
		ID:               uint16(info.Index),
		Name:             info.Name,
		Description:      info.Description,
		Default:          info.IsDefault,
		Kind:             data.Kind(info.Type),
		BooterPath:       booter,
		AllowedSystemIDs: info.EnabledSystemIdentifiers,
		DeniedSystemIDs:  info.DisabledSystemIdentifiers,
	}
	for _, mac := range info.EnabledMACAddresses {
		img.AllowedMACs = append(img.AllowedMACs, strings.ToLower(mac))
	}

	if img.Kind != data.KindBootFileOnly {
		dmg, err := s.findFile(bundle, func(name string) bool { return strings.HasSuffix(name, ".dmg") })
		if err != nil {
			return data.BootImage{}, fmt.Errorf("%v: %w", err, errNoDMG)
		}
		rel, err := filepath.Rel(s.Root, dmg)
		if err != nil {
			return data.BootImage{}, fmt.Errorf("%v: %w", err, errNoDMG)
		}
		img.DMGRef = filepath.ToSlash(rel)
	}

	return img, nil
}

// findFile returns the first file under the bundle whose base name the
// match function accepts, in lexical walk order.
func (s *Scanner) findFile(bundle string, match func(string) bool) (string, error) {
	var found string
	err := filepath.WalkDir(bundle, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || found != "" {
			return nil
		}
		if match(d.Name()) {
			found = path
			return filepath.SkipAll
		}

		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no match in %s", bundle)
	}

	return found, nil
}

func intersect(a, b []string) []string {
	var both []string
	for _, v := range a {
		for _, w := range b {
			if v == w {
				both = append(both, v)
				break
			}
		}
	}

	return both
}
