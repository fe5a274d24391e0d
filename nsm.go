//go:build linux

package nitro_enclave

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NSM_DEVICE is the Nitro Security Module character device. It only
// exists inside an enclave.
const NSM_DEVICE = "/dev/nsm"

// NSM_RESPONSE_MAX is the scratch buffer handed to the driver. 16 KiB
// exceeds the largest attestation document the module produces.
const NSM_RESPONSE_MAX = 16384

// NSM_IOCTL is _IOWR(0x0A, 0, sizeof(nsmMessage)) on 64-bit Linux:
//
//	direction 3 (read|write) << 30 = 0xC0000000
//	size      32             << 16 = 0x00200000
//	type      0x0A           << 8  = 0x00000A00
//	nr        0              << 0  = 0x00000000
//
// 0x0A is the magic registered by the nsm kernel module; the kernel
// rejects the ioctl outright on any mismatch.
const NSM_IOCTL = 0xC0200A00

var ErrNoNSMDevice = errors.New("NSM device not available")

// nsmMessage is the exchange record the driver expects: the request
// iovec followed by the response iovec, nothing else. The driver
// rewrites the response length in place to the number of bytes it
// produced.
type nsmMessage struct {
	request  unix.Iovec
	response unix.Iovec
}

// NSMRequest sends one raw CBOR-encoded request to the NSM and
// returns the raw CBOR response, truncated to the length the driver
// reported. The device is opened and closed within this call; there
// is no session state. If the device cannot be opened the error wraps
// ErrNoNSMDevice, which is how callers detect that they are not
// running inside an enclave.
func NSMRequest(request []byte) ([]byte, error) {
	fd, err := unix.Open(NSM_DEVICE, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s (not in an enclave?): %v", ErrNoNSMDevice, NSM_DEVICE, err)
	}
	defer unix.Close(fd)

	response := make([]byte, NSM_RESPONSE_MAX)

	var msg nsmMessage
	if len(request) > 0 {
		msg.request.Base = &request[0]
	}
	msg.request.SetLen(len(request))
	msg.response.Base = &response[0]
	msg.response.SetLen(len(response))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), NSM_IOCTL, uintptr(unsafe.Pointer(&msg)))
	if errno != 0 {
		return nil, fmt.Errorf("NSM ioctl: %w", errno)
	}

	return response[:msg.response.Len], nil
}
