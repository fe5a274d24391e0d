//go:build linux

package nitro_enclave

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestNSMMessageLayout(t *testing.T) {
	// Two iovecs, back to back, no padding. The ioctl size field
	// below depends on this.
	require.EqualValues(t, 32, unsafe.Sizeof(nsmMessage{}))
	require.EqualValues(t, 0, unsafe.Offsetof(nsmMessage{}.request))
	require.EqualValues(t, 16, unsafe.Offsetof(nsmMessage{}.response))
}

func TestNSMIoctlEncoding(t *testing.T) {
	// _IOWR(0x0A, 0, sizeof(nsmMessage)), reassembled from its parts.
	dir := uintptr(3) << 30 // read|write
	size := unsafe.Sizeof(nsmMessage{}) << 16
	typ := uintptr(0x0A) << 8
	nr := uintptr(0)
	require.EqualValues(t, uintptr(NSM_IOCTL), dir|size|typ|nr)
}

func TestNSMRequestOutsideEnclave(t *testing.T) {
	if _, err := os.Stat(NSM_DEVICE); err == nil {
		t.Skip("running inside an enclave")
	}

	_, err := NSMRequest([]byte{0xA0})
	require.ErrorIs(t, err, ErrNoNSMDevice)
}

func TestNSMRequestInsideEnclave(t *testing.T) {
	if _, err := os.Stat(NSM_DEVICE); err != nil {
		t.Skip("no NSM device on this machine")
	}

	// 0xA0: an empty CBOR map, which the module answers with an
	// error response rather than rejecting the ioctl.
	response, err := NSMRequest([]byte{0xA0})
	if err != nil {
		t.Fatal("NSM exchange failed:", err)
	}
	if len(response) == 0 || len(response) > NSM_RESPONSE_MAX {
		t.Fatal("Response length out of range:", len(response))
	}
}
