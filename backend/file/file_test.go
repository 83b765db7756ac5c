package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/keeleysam/bsdpy/data"
)

const descriptorTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Index</key>
	<integer>%d</integer>
	<key>IsEnabled</key>
	<%t/>
	<key>IsDefault</key>
	<%t/>
	<key>Name</key>
	<string>%s</string>
	<key>Description</key>
	<string>test image</string>
	<key>BootFile</key>
	<string>booter</string>
	<key>Type</key>
	<string>%s</string>
	<key>EnabledSystemIdentifiers</key>
	<array>%s</array>
	<key>DisabledSystemIdentifiers</key>
	<array></array>
	<key>EnabledMACAddresses</key>
	<array>%s</array>
</dict>
</plist>
`

type bundleSpec struct {
	dir         string
	index       int
	enabled     bool
	isDefault   bool
	name        string
	kind        string
	enabledIDs  string
	enabledMACs string
	booter      bool
	dmg         string
}

func writeBundle(t *testing.T, root string, b bundleSpec) {
	t.Helper()
	dir := filepath.Join(root, b.dir)
	if err := os.MkdirAll(filepath.Join(dir, "i386"), 0o755); err != nil {
		t.Fatal(err)
	}
	desc := fmt.Sprintf(descriptorTemplate, b.index, b.enabled, b.isDefault, b.name, b.kind, b.enabledIDs, b.enabledMACs)
	if err := os.WriteFile(filepath.Join(dir, "NBImageInfo.plist"), []byte(desc), 0o644); err != nil {
		t.Fatal(err)
	}
	if b.booter {
		if err := os.WriteFile(filepath.Join(dir, "i386", "booter"), []byte{0}, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if b.dmg != "" {
		if err := os.WriteFile(filepath.Join(dir, b.dmg), []byte{0}, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRescan(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, bundleSpec{
		dir: "MaverM.nbi", index: 4097, enabled: true, isDefault: true,
		name: "MaverM", kind: "NetBoot", booter: true, dmg: "NetBoot.dmg",
	})
	writeBundle(t, root, bundleSpec{
		dir: "Disabled.nbi", index: 4098, enabled: false,
		name: "Disabled", kind: "NetBoot", booter: true, dmg: "NetBoot.dmg",
	})
	writeBundle(t, root, bundleSpec{
		dir: "ZeroIndex.nbi", index: 0, enabled: true,
		name: "ZeroIndex", kind: "NetBoot", booter: true, dmg: "NetBoot.dmg",
	})
	writeBundle(t, root, bundleSpec{
		dir: "NoDmg.nbi", index: 4099, enabled: true,
		name: "NoDmg", kind: "NetInstall", booter: true,
	})
	writeBundle(t, root, bundleSpec{
		dir: "NoBooter.nbi", index: 4100, enabled: true,
		name: "NoBooter", kind: "NetBoot", dmg: "NetBoot.dmg",
	})
	writeBundle(t, root, bundleSpec{
		dir: "BooterOnly.nbi", index: 4101, enabled: true,
		name: "BooterOnly", kind: "BootFileOnly", booter: true,
		enabledMACs: "<string>AA:BB:CC:DD:EE:FF</string>",
	})
	// not a bundle, must be ignored
	if err := os.MkdirAll(filepath.Join(root, "scratch"), 0o755); err != nil {
		t.Fatal(err)
	}

	s, err := NewScanner(logr.Discard(), root)
	if err != nil {
		t.Fatal(err)
	}
	want := []data.BootImage{
		{
			ID: 4101, Name: "BooterOnly", Description: "test image",
			Kind: data.KindBootFileOnly, AllowedMACs: []string{"aa:bb:cc:dd:ee:ff"},
			BooterPath: filepath.Join(root, "BooterOnly.nbi", "i386", "booter"),
		},
		{
			ID: 4097, Name: "MaverM", Description: "test image", Default: true,
			Kind:       data.KindNetBoot,
			BooterPath: filepath.Join(root, "MaverM.nbi", "i386", "booter"),
			DMGRef:     "MaverM.nbi/NetBoot.dmg",
		},
	}
	if diff := cmp.Diff(s.images, want, cmpopts.EquateEmpty()); diff != "" {
		t.Fatal(diff)
	}
}

func TestRescanKeepsSnapshotOnFailure(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, bundleSpec{
		dir: "MaverM.nbi", index: 4097, enabled: true,
		name: "MaverM", kind: "NetBoot", booter: true, dmg: "NetBoot.dmg",
	})
	s, err := NewScanner(logr.Discard(), root)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.images) != 1 {
		t.Fatalf("got %d images, want 1", len(s.images))
	}

	s.Root = filepath.Join(root, "does-not-exist")
	if err := s.Rescan(context.Background()); err == nil {
		t.Fatal("expected an error from a missing root")
	}
	if len(s.images) != 1 {
		t.Fatalf("snapshot was replaced on a failed scan, got %d images", len(s.images))
	}
}

func TestReadImagesFilters(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, bundleSpec{
		dir: "Open.nbi", index: 4097, enabled: true,
		name: "Open", kind: "NetBoot", booter: true, dmg: "NetBoot.dmg",
	})
	writeBundle(t, root, bundleSpec{
		dir: "Fenced.nbi", index: 4098, enabled: true,
		name: "Fenced", kind: "NetBoot", booter: true, dmg: "NetBoot.dmg",
		enabledIDs: "<string>Mac-F60DEB81FF30ACF6</string>",
	})
	s, err := NewScanner(logr.Discard(), root)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadImages(context.Background(), data.Client{SystemID: "Mac-7DF21CB3ED6977E5"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "Open" {
		t.Fatalf("got: %v, want only the unrestricted image", got)
	}
}
