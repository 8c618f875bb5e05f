package hostchannel

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

var le = binary.LittleEndian

func le32(v uint32) []byte {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return b
}

func (hc *HostChannel) readU8(off int64) (uint8, error) {
	var b [1]byte
	if _, err := unix.Pread(hc.mmioFD, b[:], off); err != nil {
		return 0, err
	}

	return b[0], nil
}

func (hc *HostChannel) readU32(off int64) (uint32, error) {
	var b [4]byte
	if _, err := unix.Pread(hc.mmioFD, b[:], off); err != nil {
		return 0, err
	}

	return le.Uint32(b[:]), nil
}

func (hc *HostChannel) readU64(off int64) (uint64, error) {
	var b [8]byte
	if _, err := unix.Pread(hc.mmioFD, b[:], off); err != nil {
		return 0, err
	}

	return le.Uint64(b[:]), nil
}

func (hc *HostChannel) writeU32(off int64, v uint32) error {
	_, err := unix.Pwrite(hc.mmioFD, le32(v), off)
	return err
}

func (hc *HostChannel) writeU64(off int64, v uint64) error {
	b := make([]byte, 8)
	le.PutUint64(b, v)
	_, err := unix.Pwrite(hc.mmioFD, b, off)
	return err
}
