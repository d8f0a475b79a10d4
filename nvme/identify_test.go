// File: nvme/identify_test.go
// Author: momentics <momentics@gmail.com>

package nvme

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeIdentifyController(t *testing.T) {
	buf := make([]byte, IdentifyDataSize)
	binary.LittleEndian.PutUint16(buf[0:], 0x144D)
	copy(buf[4:24], "S/N 042             ")
	copy(buf[24:64], "some model                              ")
	copy(buf[64:72], "FW1.2   ")
	buf[77] = 6
	binary.LittleEndian.PutUint16(buf[78:], 0x21)
	binary.LittleEndian.PutUint32(buf[92:], 0x100)
	buf[512] = 0x66
	buf[513] = 0x44
	binary.LittleEndian.PutUint32(buf[516:], 8)

	id, err := DecodeIdentifyController(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(0x144D), id.VID)
	require.Equal(t, "S/N 042", id.SerialNumber)
	require.Equal(t, "some model", id.ModelNumber)
	require.Equal(t, "FW1.2", id.Firmware)
	require.Equal(t, uint8(6), id.MDTS)
	require.Equal(t, uint16(0x21), id.CNTLID)
	require.Equal(t, uint32(0x100), id.OAES)
	require.Equal(t, uint8(0x66), id.SQES)
	require.Equal(t, uint8(0x44), id.CQES)
	require.Equal(t, uint32(8), id.NN)
}

func TestDecodeIdentifyControllerShort(t *testing.T) {
	_, err := DecodeIdentifyController(make([]byte, 512))
	require.Error(t, err)
}
