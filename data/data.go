// Package data is the interface between catalog backends and the BSDP handler.
package data

import (
	"net"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"inet.af/netaddr"
)

// Kind is the image type from an NBI descriptor.
type Kind string

// Image kinds found in NBImageInfo descriptors.
const (
	KindNetBoot      Kind = "NetBoot"
	KindNetInstall   Kind = "NetInstall"
	KindBootFileOnly Kind = "BootFileOnly" // booter only, no root disk image
)

// BootImage is one NetBoot image (NBI) in the catalog.
// This is the API between the BSDP handler and a backend.
type BootImage struct {
	// ID is the BSDP boot image id. Zero never enters a loaded catalog.
	ID uint16

	// Name is what clients display in their boot picker, 1-255 bytes.
	Name string

	// Description is only used in logs.
	Description string

	// Default marks the image a client boots when it does not pick one.
	Default bool

	Kind Kind

	// BooterPath is the local path to the kernel served over TFTP.
	BooterPath string

	// DMGRef references the root disk image: a path fragment relative to
	// the catalog root in filesystem mode, a full URI in API mode.
	DMGRef string

	// AllowedSystemIDs admits only the listed model identifiers. Empty
	// means no allow-list restriction.
	AllowedSystemIDs []string

	// DeniedSystemIDs rejects the listed model identifiers.
	DeniedSystemIDs []string

	// AllowedMACs admits only the listed client MAC addresses, lowercase
	// colon form. Empty means no MAC restriction.
	AllowedMACs []string
}

// Client identifies a BSDP client from a single INFORM packet.
type Client struct {
	// SystemID is the model identifier from the vendor class identifier,
	// e.g. "Mac-7DF21CB3ED6977E5".
	SystemID string

	// MAC is the first 6 bytes of the chaddr header.
	MAC net.HardwareAddr

	// IP is the ciaddr header, or the requested IP address option when
	// ciaddr was still zero. May itself be zero for very early clients.
	IP netaddr.IP

	// ReplyPort is where the ACK goes. 68 unless the client overrode it.
	ReplyPort uint16
}

// MACString renders the client MAC the way entitlement lists store it.
func (c Client) MACString() string {
	return strings.ToLower(c.MAC.String())
}

// EncodeToAttributes returns a slice of opentelemetry attributes that can be used to set span.SetAttributes.
func (b *BootImage) EncodeToAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("BootImage.ID", int64(b.ID)),
		attribute.String("BootImage.Name", b.Name),
		attribute.Bool("BootImage.Default", b.Default),
		attribute.String("BootImage.Kind", string(b.Kind)),
		attribute.String("BootImage.BooterPath", b.BooterPath),
		attribute.String("BootImage.DMGRef", b.DMGRef),
	}
}

// EncodeToAttributes returns a slice of opentelemetry attributes that can be used to set span.SetAttributes.
func (c *Client) EncodeToAttributes() []attribute.KeyValue {
	var ip string
	if !c.IP.IsZero() {
		ip = c.IP.String()
	}

	return []attribute.KeyValue{
		attribute.String("Client.SystemID", c.SystemID),
		attribute.String("Client.MAC", c.MACString()),
		attribute.String("Client.IP", ip),
		attribute.Int64("Client.ReplyPort", int64(c.ReplyPort)),
	}
}
