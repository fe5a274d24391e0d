/*
Package nitro_enclave implements the two kernel-facing primitives a
process inside an AWS Nitro enclave needs to talk to, and prove its
identity to, the parent instance: AF_VSOCK stream sockets and the
Nitro Security Module (NSM) attestation device, described in the AWS
documentation:

https://docs.aws.amazon.com/enclaves/latest/user/nitro-enclave-concepts.html

The vsock side is a Listener bound to a local port plus Streams
obtained by accepting on it or by connecting to a (cid, port) pair.
A Stream is a reliable ordered byte pipe; both ends of the pair are
fixed at creation and every call maps to exactly one blocking system
call. From inside an enclave, CID_PARENT addresses the parent
instance, which is the only peer reachable at all (enclaves have no
NIC).

The NSM side is a single function, NSMRequest, which performs one
open/ioctl/close exchange against /dev/nsm with caller-supplied CBOR
bytes. The request and response payloads are treated as opaque here;
encoding requests and verifying the signed attestation documents in
the responses are left to higher level code. An NSMRequest failure
with ErrNoNSMDevice is the documented way to detect that the process
is not running inside an enclave.

See cmd/nitro_diag for a small CLI exercising both halves.
*/
package nitro_enclave
