// Package option encodes and decodes the BSDP payload carried in DHCP
// option 43 (vendor-encapsulated-options).
package option

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/keeleysam/bsdpy/data"
)

// Code is a BSDP sub-option code inside the vendor-encapsulated-options blob.
type Code byte

// Sub-option codes from Apple's BSDP documentation.
const (
	CodeMessageType       Code = 1
	CodeVersion           Code = 2
	CodeServerIdentifier  Code = 3
	CodeServerPriority    Code = 4
	CodeReplyPort         Code = 5
	CodeImageIcon         Code = 6 // unused since NetBoot 1.0
	CodeDefaultBootImage  Code = 7
	CodeSelectedBootImage Code = 8
	CodeBootImageList     Code = 9
	CodeNetBootV1         Code = 10
	CodeImageAttributes   Code = 11
	CodeMaxMessageSize    Code = 12
)

var codeNames = map[Code]string{
	CodeMessageType:       "message_type",
	CodeVersion:           "version",
	CodeServerIdentifier:  "server_identifier",
	CodeServerPriority:    "server_priority",
	CodeReplyPort:         "reply_port",
	CodeImageIcon:         "image_icon",
	CodeDefaultBootImage:  "default_boot_image",
	CodeSelectedBootImage: "selected_boot_image",
	CodeBootImageList:     "boot_image_list",
	CodeNetBootV1:         "netboot_v1",
	CodeImageAttributes:   "boot_image_attributes",
	CodeMaxMessageSize:    "max_message_size",
}

// String function for Code.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}

	return fmt.Sprintf("unknown (%d)", byte(c))
}

// MessageType is the value of the message_type sub-option.
type MessageType byte

// BSDP message types.
const (
	List   MessageType = 1
	Select MessageType = 2
	Failed MessageType = 3
)

// String function for MessageType.
func (m MessageType) String() string {
	switch m {
	case List:
		return "LIST"
	case Select:
		return "SELECT"
	case Failed:
		return "FAILED"
	}

	return fmt.Sprintf("unknown (%d)", byte(m))
}

// DefaultReplyPort is used when a request carries no reply_port sub-option.
const DefaultReplyPort uint16 = 68

// Errors returned by the codec.
var (
	ErrTruncated = errors.New("truncated BSDP option")
	ErrOversize  = errors.New("BSDP option value exceeds 255 bytes")
)

// Options maps BSDP sub-option codes to their raw values.
type Options map[Code][]byte

// Decode parses a vendor-encapsulated-options blob into its BSDP
// sub-options. A sub-option whose declared length runs past the end of
// the blob makes the whole blob invalid.
func Decode(b []byte) (Options, error) {
	opts := Options{}
	for i := 0; i < len(b); {
		if i+2 > len(b) {
			return nil, ErrTruncated
		}
		code := Code(b[i])
		length := int(b[i+1])
		if i+2+length > len(b) {
			return nil, fmt.Errorf("%w: %v claims %d bytes", ErrTruncated, code, length)
		}
		opts[code] = b[i+2 : i+2+length]
		i += 2 + length
	}

	return opts, nil
}

// Encode serializes the sub-options in ascending code order, the order
// Apple clients expect. The length field is a single byte, so a value
// longer than 255 bytes fails the whole encode.
func (o Options) Encode() ([]byte, error) {
	codes := make([]Code, 0, len(o))
	for c := range o {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	var b []byte
	for _, c := range codes {
		v := o[c]
		if len(v) > 255 {
			return nil, fmt.Errorf("%w: %v is %d bytes", ErrOversize, c, len(v))
		}
		b = append(b, byte(c), byte(len(v)))
		b = append(b, v...)
	}

	return b, nil
}

// MessageType returns the message_type sub-option, if present and well formed.
func (o Options) MessageType() (MessageType, bool) {
	v, ok := o[CodeMessageType]
	if !ok || len(v) != 1 {
		return 0, false
	}

	return MessageType(v[0]), true
}

// ReplyPort returns the port the reply must be sent to. The Startup Disk
// preference pane randomizes this; firmware uses the DHCP client port.
func (o Options) ReplyPort() uint16 {
	v, ok := o[CodeReplyPort]
	if !ok || len(v) != 2 {
		return DefaultReplyPort
	}

	return binary.BigEndian.Uint16(v)
}

// SelectedImageID extracts the boot image id a SELECT request committed to.
func (o Options) SelectedImageID() (uint16, bool) {
	v, ok := o[CodeSelectedBootImage]
	if !ok || len(v) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint16(v[2:4]), true
}

// ImageID encodes a boot image id as the 4-byte value used by sub-options
// 7 and 8: the install/macOS attribute prefix 0x8100, then the id big-endian.
func ImageID(id uint16) []byte {
	return []byte{0x81, 0x00, byte(id >> 8), byte(id)}
}

// ImageList encodes the boot_image_list value: per image the 4-byte boot
// image id, a 1-byte name length and the raw name bytes.
func ImageList(images []data.BootImage) []byte {
	var b []byte
	for _, img := range images {
		b = append(b, ImageID(img.ID)...)
		b = append(b, byte(len(img.Name)))
		b = append(b, img.Name...)
	}

	return b
}
