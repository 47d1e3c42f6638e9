// Package mavlinkwire isolates PAM's dependency on the assumed-available
// MAVLink v2 wire codec behind a small interface, so the rest of
// internal/mavlink depends only on the shapes it needs (Frame, Link)
// rather than directly on the codec library's API surface.
package mavlinkwire

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// Frame is a decoded inbound or outbound MAVLink message plus its routing
// metadata.
type Frame struct {
	SystemID    uint8
	ComponentID uint8
	MessageID   uint32
	Message     message.Message
}

// MessageIDString returns the dispatch key used by the handler registry.
func (f Frame) MessageIDString() string {
	return strconv.FormatUint(uint64(f.MessageID), 10)
}

// Link is the duplex connection to a flight controller: UDP or serial,
// decoded via the dialect codec. Implementations must serialize writes
// internally or leave that to the caller's send lock — PAM's I/O thread
// always holds the send lock around Write.
type Link interface {
	// Read blocks until a frame is decoded or ctx is done.
	Read(ctx context.Context) (Frame, error)
	// Write encodes and sends a message.
	Write(ctx context.Context, msg message.Message) error
	// Close releases the endpoint.
	Close() error
}

// link wraps a gomavlib.Node as a Link.
type link struct {
	node *gomavlib.Node
}

// ParseEndpoint turns a "udp:host:port" or "serial:/path:baud" endpoint
// string into gomavlib endpoint configs.
func ParseEndpoint(endpoint string, baud int) ([]gomavlib.EndpointConf, error) {
	parts := strings.SplitN(endpoint, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed mavlink endpoint %q", endpoint)
	}

	switch parts[0] {
	case "udp":
		return []gomavlib.EndpointConf{gomavlib.EndpointUDPServer{Address: parts[1]}}, nil
	case "serial":
		devParts := strings.SplitN(parts[1], ":", 2)
		dev := devParts[0]
		baudRate := baud
		if len(devParts) == 2 {
			if b, err := strconv.Atoi(devParts[1]); err == nil {
				baudRate = b
			}
		}
		return []gomavlib.EndpointConf{gomavlib.EndpointSerial{Device: dev, Baud: baudRate}}, nil
	default:
		return nil, fmt.Errorf("unsupported mavlink endpoint scheme %q", parts[0])
	}
}

// Dial opens a Link to the given endpoint string.
func Dial(endpoint string, baud int, systemID, componentID uint8) (Link, error) {
	endpoints, err := ParseEndpoint(endpoint, baud)
	if err != nil {
		return nil, err
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:              endpoints,
		Dialect:                common.Dialect,
		OutVersion:             gomavlib.V2,
		OutSystemID:            byte(systemID),
		OutComponentID:         byte(componentID),
		HeartbeatDisable:       true, // PAM's own heartbeat sender owns this cadence
	})
	if err != nil {
		return nil, fmt.Errorf("opening mavlink node: %w", err)
	}
	return &link{node: node}, nil
}

func (l *link) Read(ctx context.Context) (Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case evt, ok := <-l.node.Events():
			if !ok {
				return Frame{}, fmt.Errorf("mavlink node closed")
			}
			if fe, ok := evt.(*gomavlib.EventFrame); ok {
				msg := fe.Message()
				return Frame{
					SystemID:    fe.SystemID(),
					ComponentID: fe.ComponentID(),
					MessageID:   msg.GetID(),
					Message:     msg,
				}, nil
			}
		}
	}
}

func (l *link) Write(ctx context.Context, msg message.Message) error {
	return l.node.WriteMessageAll(msg)
}

func (l *link) Close() error {
	l.node.Close()
	return nil
}
