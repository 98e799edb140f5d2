// Package rotate detects JPEG EXIF orientation and invokes an external
// helper to produce pre-rotated image bytes.
package rotate

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const transformTimeout = 20 * time.Second

// Orientation reads a JPEG stream and returns the rotation in degrees
// (0, 90, 180 or 270) needed to display it upright. Streams without a
// usable EXIF orientation tag report 0.
func Orientation(r io.Reader) int {
	var b [12]byte
	if _, err := io.ReadFull(r, b[:2]); err != nil || b[0] != 0xff || b[1] != 0xd8 {
		return 0
	}
	if _, err := io.ReadFull(r, b[:2]); err != nil {
		return 0
	}
	// Skip a leading JFIF APP0 segment.
	if b[0] == 0xff && b[1] == 0xe0 {
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return 0
		}
		skip := int64(binary.BigEndian.Uint16(b[:2])) - 2
		if skip < 0 {
			return 0
		}
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return 0
		}
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return 0
		}
	}
	if b[0] != 0xff || b[1] != 0xe1 {
		return 0
	}
	if _, err := io.ReadFull(r, b[:2]); err != nil {
		return 0
	}
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil || !bytes.Equal(header[:], []byte("Exif\x00\x00")) {
		return 0
	}
	if _, err := io.ReadFull(r, b[:2]); err != nil {
		return 0
	}
	var order binary.ByteOrder
	switch {
	case b[0] == 'M' && b[1] == 'M':
		order = binary.BigEndian
	case b[0] == 'I' && b[1] == 'I':
		order = binary.LittleEndian
	default:
		return 0
	}
	if _, err := io.ReadFull(r, b[:2]); err != nil || order.Uint16(b[:2]) != 0x002a {
		return 0
	}
	if _, err := io.ReadFull(r, b[:4]); err != nil {
		return 0
	}
	offset := int64(order.Uint32(b[:4])) - 8
	if offset < 0 {
		return 0
	}
	if _, err := io.CopyN(io.Discard, r, offset); err != nil {
		return 0
	}
	if _, err := io.ReadFull(r, b[:2]); err != nil {
		return 0
	}
	entries := int(order.Uint16(b[:2]))
	for i := 0; i < entries; i++ {
		if _, err := io.ReadFull(r, b[:12]); err != nil {
			return 0
		}
		if order.Uint16(b[0:2]) != 0x0112 {
			continue
		}
		var width int
		switch order.Uint16(b[2:4]) {
		case 1:
			width = 1
		case 3:
			width = 2
		case 4:
			width = 4
		default:
			return 0
		}
		if order.Uint32(b[4:8]) != 1 {
			return 0
		}
		var value uint32
		switch width {
		case 1:
			value = uint32(b[8])
		case 2:
			value = uint32(order.Uint16(b[8:10]))
		case 4:
			value = order.Uint32(b[8:12])
		}
		switch value {
		case 3:
			return 180
		case 6:
			return 90
		case 8:
			return 270
		default:
			return 0
		}
	}
	return 0
}

// Transform pipes JPEG bytes through the configured rotation command,
// appending the angle as the final argument, and returns the rotated
// bytes. Callers treat any error as "no rotation applied".
func Transform(jpeg []byte, angle int, command []string) ([]byte, error) {
	if len(command) == 0 {
		return nil, errors.New("Transform no rotation command configured")
	}
	if angle%360 == 0 {
		return jpeg, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), transformTimeout)
	defer cancel()

	args := append(append([]string{}, command[1:]...), strconv.Itoa(angle))
	cmd := exec.CommandContext(ctx, command[0], args...)
	cmd.Stdin = bytes.NewReader(jpeg)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "Transform run %s: %s", command[0], stderr.String())
	}
	if out.Len() == 0 {
		return nil, errors.New("Transform empty output")
	}
	return out.Bytes(), nil
}
