package catalog

import (
	"bytes"
	"net"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/keeleysam/bsdpy/data"
	"github.com/tonglil/buflogr"
)

func TestFilter(t *testing.T) {
	client := data.Client{
		SystemID: "Mac-7DF21CB3ED6977E5",
		MAC:      net.HardwareAddr{0x00, 0x0a, 0x95, 0x9d, 0x68, 0x16},
	}
	tests := map[string]struct {
		images []data.BootImage
		client data.Client
		want   []data.BootImage
	}{
		"empty restriction sets admit everyone": {
			images: []data.BootImage{{ID: 4097, Name: "MaverM"}},
			client: client,
			want:   []data.BootImage{{ID: 4097, Name: "MaverM"}},
		},
		"allow and deny overlap skips the image": {
			images: []data.BootImage{{
				ID:               4097,
				Name:             "MaverM",
				AllowedSystemIDs: []string{"Mac-7DF21CB3ED6977E5"},
				DeniedSystemIDs:  []string{"Mac-7DF21CB3ED6977E5"},
			}},
			client: client,
		},
		"mac allow list miss skips before system id rules": {
			images: []data.BootImage{{
				ID:          4097,
				Name:        "MaverM",
				AllowedMACs: []string{"aa:bb:cc:dd:ee:ff"},
			}},
			client: client,
		},
		"mac allow list hit with open system id sets admits": {
			images: []data.BootImage{{
				ID:          4097,
				Name:        "MaverM",
				AllowedMACs: []string{"00:0a:95:9d:68:16"},
			}},
			client: client,
			want: []data.BootImage{{
				ID:          4097,
				Name:        "MaverM",
				AllowedMACs: []string{"00:0a:95:9d:68:16"},
			}},
		},
		"denied system id skips": {
			images: []data.BootImage{{
				ID:              4097,
				Name:            "MaverM",
				DeniedSystemIDs: []string{"Mac-7DF21CB3ED6977E5"},
			}},
			client: client,
		},
		"allowed system id admits": {
			images: []data.BootImage{{
				ID:               4097,
				Name:             "MaverM",
				AllowedSystemIDs: []string{"Mac-7DF21CB3ED6977E5"},
			}},
			client: client,
			want: []data.BootImage{{
				ID:               4097,
				Name:             "MaverM",
				AllowedSystemIDs: []string{"Mac-7DF21CB3ED6977E5"},
			}},
		},
		"allow list without the client skips": {
			images: []data.BootImage{{
				ID:               4097,
				Name:             "MaverM",
				AllowedSystemIDs: []string{"Mac-F60DEB81FF30ACF6"},
			}},
			client: client,
		},
		"catalog order preserved": {
			images: []data.BootImage{
				{ID: 4098, Name: "DeployStudio"},
				{ID: 4097, Name: "MaverM", DeniedSystemIDs: []string{"Mac-7DF21CB3ED6977E5"}},
				{ID: 4099, Name: "Recovery"},
			},
			client: client,
			want: []data.BootImage{
				{ID: 4098, Name: "DeployStudio"},
				{ID: 4099, Name: "Recovery"},
			},
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got := Filter(logr.Discard(), tt.images, tt.client)
			if diff := cmp.Diff(got, tt.want); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestFilterLogsOverlap(t *testing.T) {
	var buf bytes.Buffer
	log := buflogr.NewWithBuffer(&buf)
	images := []data.BootImage{{
		ID:               4097,
		Name:             "MaverM",
		AllowedSystemIDs: []string{"Mac-7DF21CB3ED6977E5"},
		DeniedSystemIDs:  []string{"Mac-7DF21CB3ED6977E5"},
	}}
	got := Filter(log, images, data.Client{SystemID: "Mac-7DF21CB3ED6977E5"})
	if len(got) != 0 {
		t.Fatalf("admitted %d images, want 0", len(got))
	}
	if buf.String() == "" {
		t.Fatal("expected a logged warning about the allow/deny overlap")
	}
}

func TestCompute(t *testing.T) {
	tests := map[string]struct {
		admitted      []data.BootImage
		wantDefaultID uint16
	}{
		"no images means no default": {},
		"highest flagged default wins": {
			admitted: []data.BootImage{
				{ID: 4099, Name: "c"},
				{ID: 4097, Name: "a", Default: true},
				{ID: 4098, Name: "b", Default: true},
			},
			wantDefaultID: 4098,
		},
		"no flagged default falls back to highest id": {
			admitted: []data.BootImage{
				{ID: 4097, Name: "a"},
				{ID: 4099, Name: "c"},
				{ID: 4098, Name: "b"},
			},
			wantDefaultID: 4099,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			p := Compute(tt.admitted)
			if p.DefaultID != tt.wantDefaultID {
				t.Fatalf("default id: %d, want: %d", p.DefaultID, tt.wantDefaultID)
			}
			if diff := cmp.Diff(p.Images, tt.admitted); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestComputeDeterministic(t *testing.T) {
	admitted := []data.BootImage{
		{ID: 4097, Name: "MaverM", Default: true},
		{ID: 4098, Name: "DeployStudio"},
	}
	first := Compute(admitted)
	second := Compute(admitted)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatal(diff)
	}
}

func TestFind(t *testing.T) {
	admitted := []data.BootImage{
		{ID: 4097, Name: "MaverM"},
		{ID: 4098, Name: "DeployStudio"},
	}
	if img, ok := Find(admitted, 4098); !ok || img.Name != "DeployStudio" {
		t.Fatalf("got: (%v, %t)", img, ok)
	}
	if _, ok := Find(admitted, 9999); ok {
		t.Fatal("found an image that is not in the catalog")
	}
}
