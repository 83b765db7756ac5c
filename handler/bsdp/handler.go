// Package bsdp responds to Apple Boot Service Discovery Protocol
// requests, the DHCP INFORM vendor extension Mac firmware uses to find
// and pick NetBoot images.
package bsdp

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/keeleysam/bsdpy/backend/noop"
	"github.com/keeleysam/bsdpy/catalog"
	"github.com/keeleysam/bsdpy/data"
	"github.com/keeleysam/bsdpy/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"inet.af/netaddr"
)

const tracerName = "github.com/keeleysam/bsdpy/handler/bsdp"

// vendorClass is the class identifier BSDP packets carry, in both
// directions. Requests append the architecture and model.
const vendorClass = "AAPLBSDPC"

// BackendReader is the interface that wraps the ReadImages method.
//
// Backends implement this interface to provide the boot image catalog,
// already filtered down to what the client is entitled to.
type BackendReader interface {
	ReadImages(context.Context, data.Client) ([]data.BootImage, error)
}

// Handler holds the configuration details for running the BSDP server.
type Handler struct {
	// Backend is the backend to use for getting boot image data.
	Backend BackendReader

	// IPAddr is the IP address to use in BSDP responses.
	// Option 54, the siaddr header and the reply source.
	IPAddr netaddr.IP

	// Hostname goes in the sname header of every reply. Defaults to
	// IPAddr as text, which is what Apple's server sends.
	Hostname string

	// Priority is the server_priority sub-option value, big-endian.
	Priority [2]byte

	// DMGBase prefixes every image's disk image reference to form the
	// root path: an HTTP or NFS base in filesystem mode, empty when the
	// backend already returns full URIs.
	DMGBase string

	// Log is used to log messages.
	// `logr.Discard()` can be used if no logging is desired.
	Log logr.Logger
}

// setDefaults will update the Handler struct to have default values so as
// to avoid panic for nil pointers and such.
func (h *Handler) setDefaults() {
	if h.Backend == nil {
		h.Backend = noop.Backend{}
	}
	if h.Log.GetSink() == nil {
		h.Log = logr.Discard()
	}
	if h.Hostname == "" && !h.IPAddr.IsZero() {
		h.Hostname = h.IPAddr.String()
	}
}

// Name returns the name of the handler.
func (h *Handler) Name() string {
	return "bsdp"
}

// Handle responds to BSDP LIST and SELECT requests. Everything else,
// including malformed BSDP, is dropped without a reply: on a shared
// broadcast domain most traffic is simply not for us, and a confused
// client is better served by another server than by a FAILED.
func (h *Handler) Handle(conn net.PacketConn, _ net.Addr, pkt *dhcpv4.DHCPv4) {
	h.setDefaults()
	if pkt == nil {
		h.Log.Error(errors.New("incoming packet is nil"), "not able to respond when the incoming packet is nil")
		return
	}

	opts, msgType, ok := vendorRequest(pkt)
	if !ok {
		return
	}
	client := clientInfo(pkt, opts)

	log := h.Log.WithValues("mac", client.MACString(), "systemID", client.SystemID, "receivedMsgType", msgType.String())
	log.Info("received BSDP packet")
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(context.Background(),
		fmt.Sprintf("BSDP Packet Received: %v", msgType.String()),
		trace.WithAttributes(client.EncodeToAttributes()...),
	)
	defer span.End()

	images, err := h.readBackend(ctx, client)
	if err != nil {
		log.Error(err, "error from backend")
		span.SetStatus(codes.Error, err.Error())

		return
	}

	var reply *dhcpv4.DHCPv4
	switch msgType {
	case option.List:
		// an empty list is still answered, the client shows no choices
		plan := catalog.Compute(images)
		reply, err = h.listReply(pkt, plan)
		log = log.WithValues("sentMsgType", option.List.String(), "images", len(plan.Images), "defaultImageID", plan.DefaultID)
	case option.Select:
		id, found := opts.SelectedImageID()
		if !found {
			log.Info("select request without a selected image, not responding")
			span.SetStatus(codes.Error, "select request without a selected image")

			return
		}
		img, found := catalog.Find(images, id)
		if !found {
			log.Info("selected image not available to client, not responding", "selectedImageID", id)
			span.SetStatus(codes.Error, "selected image not available to client")

			return
		}
		span.SetAttributes(img.EncodeToAttributes()...)
		reply, err = h.selectReply(pkt, img)
		log = log.WithValues("sentMsgType", option.Select.String(), "imageID", img.ID, "booter", img.BooterPath)
	default:
		span.SetStatus(codes.Error, fmt.Sprintf("unhandled message type: %v", msgType))

		return
	}
	if err != nil {
		log.Error(err, "failed to build reply")
		span.SetStatus(codes.Error, err.Error())

		return
	}

	dst := replyAddr(client)
	if _, err := conn.WriteTo(reply.ToBytes(), dst); err != nil {
		log.Error(err, "failed to send BSDP response")
		span.SetStatus(codes.Error, err.Error())

		return
	}

	log.Info("sent BSDP response", "to", dst.String())
	span.SetStatus(codes.Ok, "sent BSDP response")
}

// readBackend encapsulates the backend read and opentelemetry handling.
func (h *Handler) readBackend(ctx context.Context, client data.Client) ([]data.BootImage, error) {
	h.setDefaults()

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Boot image catalog get")
	defer span.End()

	images, err := h.Backend.ReadImages(ctx, client)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	span.SetStatus(codes.Ok, fmt.Sprintf("%d images from backend", len(images)))

	return images, nil
}
