package bsdp

import (
	"net"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/keeleysam/bsdpy/catalog"
	"github.com/keeleysam/bsdpy/data"
	"github.com/keeleysam/bsdpy/option"
	"inet.af/netaddr"
)

// vendorRequest decides whether a packet is a BSDP request we answer:
// a DHCP INFORM from an Apple client whose vendor options hold a LIST or
// SELECT message type.
func vendorRequest(pkt *dhcpv4.DHCPv4) (option.Options, option.MessageType, bool) {
	if pkt.MessageType() != dhcpv4.MessageTypeInform {
		return nil, 0, false
	}
	if !strings.HasPrefix(pkt.ClassIdentifier(), vendorClass) {
		return nil, 0, false
	}
	blob := pkt.Options.Get(dhcpv4.OptionVendorSpecificInformation)
	// smaller than the one-byte message type plus an image id holds no request
	if len(blob) <= 7 {
		return nil, 0, false
	}
	opts, err := option.Decode(blob)
	if err != nil {
		return nil, 0, false
	}
	msgType, ok := opts.MessageType()
	if !ok || (msgType != option.List && msgType != option.Select) {
		return nil, 0, false
	}

	return opts, msgType, true
}

// clientInfo extracts the client identity from a request.
func clientInfo(pkt *dhcpv4.DHCPv4, opts option.Options) data.Client {
	c := data.Client{ReplyPort: opts.ReplyPort()}

	if len(pkt.ClientHWAddr) >= 6 {
		c.MAC = net.HardwareAddr(pkt.ClientHWAddr[:6])
	}

	// "AAPLBSDPC/i386/MacBookPro10,1" carries the model in field 3
	if fields := strings.Split(pkt.ClassIdentifier(), "/"); len(fields) >= 3 {
		c.SystemID = fields[2]
	}

	ip := pkt.ClientIPAddr
	if ip == nil || ip.IsUnspecified() {
		ip = pkt.RequestedIPAddress()
	}
	if ip != nil && !ip.IsUnspecified() {
		if a, ok := netaddr.FromStdIP(ip); ok {
			c.IP = a
		}
	}

	return c
}

// replyMods are the envelope modifiers shared by every reply.
func (h *Handler) replyMods(pkt *dhcpv4.DHCPv4) []dhcpv4.Modifier {
	return []dhcpv4.Modifier{
		dhcpv4.WithMessageType(dhcpv4.MessageTypeAck),
		dhcpv4.WithServerIP(h.IPAddr.IPAddr().IP),
		dhcpv4.WithGeneric(dhcpv4.OptionServerIdentifier, h.IPAddr.IPAddr().IP),
		dhcpv4.WithGeneric(dhcpv4.OptionClassIdentifier, []byte(vendorClass)),
		func(d *dhcpv4.DHCPv4) {
			// NewReplyFromRequest leaves ciaddr zero, BSDP echoes it
			d.ClientIPAddr = pkt.ClientIPAddr
			d.ServerHostName = h.Hostname
		},
	}
}

// listReply builds the ACK to a LIST request: server priority, the
// default image when there is one and the entitled image list.
func (h *Handler) listReply(pkt *dhcpv4.DHCPv4, plan catalog.Plan) (*dhcpv4.DHCPv4, error) {
	vendor := option.Options{
		option.CodeMessageType:    {byte(option.List)},
		option.CodeServerPriority: {h.Priority[0], h.Priority[1]},
		option.CodeBootImageList:  plan.ImageList,
	}
	if plan.DefaultID != 0 {
		vendor[option.CodeDefaultBootImage] = option.ImageID(plan.DefaultID)
	}
	blob, err := vendor.Encode()
	if err != nil {
		return nil, err
	}
	mods := append(h.replyMods(pkt), dhcpv4.WithGeneric(dhcpv4.OptionVendorSpecificInformation, blob))

	return dhcpv4.NewReplyFromRequest(pkt, mods...)
}

// selectReply builds the ACK to a SELECT request: the booter path in the
// file header field, the root disk image path and the selection echoed
// back in the vendor options.
func (h *Handler) selectReply(pkt *dhcpv4.DHCPv4, img data.BootImage) (*dhcpv4.DHCPv4, error) {
	vendor := option.Options{
		option.CodeMessageType:       {byte(option.Select)},
		option.CodeSelectedBootImage: option.ImageID(img.ID),
	}
	blob, err := vendor.Encode()
	if err != nil {
		return nil, err
	}
	mods := append(h.replyMods(pkt),
		dhcpv4.WithGeneric(dhcpv4.OptionVendorSpecificInformation, blob),
		func(d *dhcpv4.DHCPv4) {
			d.BootFileName = img.BooterPath
		},
	)
	if img.Kind != data.KindBootFileOnly {
		mods = append(mods, dhcpv4.WithGeneric(dhcpv4.OptionRootPath, []byte(h.DMGBase+img.DMGRef)))
	}

	return dhcpv4.NewReplyFromRequest(pkt, mods...)
}

// replyAddr is where the ACK goes: the client address and its chosen
// reply port, or the limited broadcast address for clients that do not
// have an IP yet.
func replyAddr(c data.Client) *net.UDPAddr {
	if c.IP.IsZero() {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: int(c.ReplyPort)}
	}

	return &net.UDPAddr{IP: c.IP.IPAddr().IP, Port: int(c.ReplyPort)}
}
