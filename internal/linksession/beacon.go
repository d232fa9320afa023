// ABOUTME: Wire codec for beat-clock peer beacons
// ABOUTME: Fixed 29-byte little-endian datagrams on the session's own multicast address
package linksession

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const beaconSize = 4 + 1 + 16 + 8

var beaconMagic = [4]byte{'l', 'n', 'k', 's'}

const beaconVersion uint8 = 1

type beacon struct {
	HostID    uuid.UUID
	GhostTime int64
}

func (b beacon) encode() []byte {
	buf := make([]byte, beaconSize)
	copy(buf[0:4], beaconMagic[:])
	buf[4] = beaconVersion
	hostBytes, _ := b.HostID.MarshalBinary()
	copy(buf[5:21], hostBytes)
	binary.LittleEndian.PutUint64(buf[21:29], uint64(b.GhostTime))
	return buf
}

func decodeBeacon(buf []byte) (beacon, error) {
	if len(buf) != beaconSize {
		return beacon{}, fmt.Errorf("linksession: beacon is %d bytes, want %d", len(buf), beaconSize)
	}
	if !bytes.Equal(buf[0:4], beaconMagic[:]) {
		return beacon{}, fmt.Errorf("linksession: bad magic %q", buf[0:4])
	}
	if buf[4] != beaconVersion {
		return beacon{}, fmt.Errorf("linksession: unsupported version %d", buf[4])
	}
	id, err := uuid.FromBytes(buf[5:21])
	if err != nil {
		return beacon{}, fmt.Errorf("linksession: bad host id: %w", err)
	}
	return beacon{
		HostID:    id,
		GhostTime: int64(binary.LittleEndian.Uint64(buf[21:29])),
	}, nil
}
