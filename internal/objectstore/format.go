package objectstore

import (
	"bytes"
	"fmt"
)

// Format is one of the closed set of flight-log formats PAM accepts for
// upload.
type Format string

const (
	FormatULog  Format = "ulog"
	FormatROSBag Format = "rosbag"
)

// magic bytes identifying each accepted format at the start of a file.
var (
	ulogMagic  = []byte{0x55, 0x4c, 0x6f, 0x67, 0x01, 0x12, 0x35}
	rosbagMagic = []byte("#ROSBAG V2.0")
)

// DetectFormat inspects the leading bytes of content and returns the
// matching Format, or an error if content does not match any accepted
// format. Uploads that fail this check are rejected before any network
// call — PAM never uploads a file it cannot identify as one of the
// closed set of log formats.
func DetectFormat(content []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(content, ulogMagic):
		return FormatULog, nil
	case bytes.HasPrefix(content, rosbagMagic):
		return FormatROSBag, nil
	default:
		return "", fmt.Errorf("unrecognized flight-log format (checked ULog and ROS bag magic bytes)")
	}
}
