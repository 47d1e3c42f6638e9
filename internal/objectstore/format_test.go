package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectFormatULog(t *testing.T) {
	content := append([]byte{0x55, 0x4c, 0x6f, 0x67, 0x01, 0x12, 0x35}, []byte("...")...)
	f, err := DetectFormat(content)
	assert.NoError(t, err)
	assert.Equal(t, FormatULog, f)
}

func TestDetectFormatROSBag(t *testing.T) {
	content := []byte("#ROSBAG V2.0\n...")
	f, err := DetectFormat(content)
	assert.NoError(t, err)
	assert.Equal(t, FormatROSBag, f)
}

func TestDetectFormatRejectsUnknown(t *testing.T) {
	_, err := DetectFormat([]byte("not a flight log"))
	assert.Error(t, err)
}
