// Package catalog decides which boot images a given client may see and
// which of them is the default.
package catalog

import (
	"github.com/go-logr/logr"
	"github.com/keeleysam/bsdpy/data"
	"github.com/keeleysam/bsdpy/option"
)

// Plan is everything the responder needs to answer a LIST request.
type Plan struct {
	// Images are the admitted images in catalog order.
	Images []data.BootImage

	// DefaultID is the default boot image id, 0 when there is none.
	DefaultID uint16

	// ImageList is the encoded boot_image_list sub-option value.
	ImageList []byte
}

// Filter applies the per-image entitlement rules to a catalog snapshot
// and returns the images the client is admitted to, preserving catalog
// order. Rules run in order per image; the first match decides.
func Filter(log logr.Logger, images []data.BootImage, client data.Client) []data.BootImage {
	var admitted []data.BootImage
	mac := client.MACString()
	for _, img := range images {
		if overlap := intersect(img.AllowedSystemIDs, img.DeniedSystemIDs); len(overlap) > 0 {
			log.Info("image lists a system id as both allowed and denied, skipping",
				"imageID", img.ID, "name", img.Name, "systemIDs", overlap)
			continue
		}
		if len(img.AllowedMACs) > 0 && !contains(img.AllowedMACs, mac) {
			continue
		}
		if len(img.AllowedSystemIDs) == 0 && len(img.DeniedSystemIDs) == 0 {
			admitted = append(admitted, img)
			continue
		}
		if contains(img.DeniedSystemIDs, client.SystemID) {
			continue
		}
		if contains(img.AllowedSystemIDs, client.SystemID) {
			admitted = append(admitted, img)
		}
	}

	return admitted
}

// Compute turns the admitted images into a reply plan. The default is the
// highest id among images flagged default, else the highest admitted id,
// else 0 (meaning no default sub-option is sent).
func Compute(admitted []data.BootImage) Plan {
	p := Plan{
		Images:    admitted,
		ImageList: option.ImageList(admitted),
	}
	var highest uint16
	for _, img := range admitted {
		if img.ID > highest {
			highest = img.ID
		}
		if img.Default && img.ID > p.DefaultID {
			p.DefaultID = img.ID
		}
	}
	if p.DefaultID == 0 {
		p.DefaultID = highest
	}

	return p
}

// Find returns the admitted image with the given id, if any.
func Find(admitted []data.BootImage, id uint16) (data.BootImage, bool) {
	for _, img := range admitted {
		if img.ID == id {
			return img, true
		}
	}

	return data.BootImage{}, false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}

	return false
}

func intersect(a, b []string) []string {
	var both []string
	for _, v := range a {
		if contains(b, v) {
			both = append(both, v)
		}
	}

	return both
}
