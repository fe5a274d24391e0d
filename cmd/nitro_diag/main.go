//go:build linux

// nitro_diag exercises the vsock and NSM primitives from the command
// line: splice stdin/stdout over a vsock stream, or fetch a raw NSM
// response for a prebuilt CBOR request.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kwonalbert/nitro_enclave"
)

var (
	port    uint32
	cid     uint32
	reqFile string
	outFile string
)

func main() {
	root := &cobra.Command{
		Use:           "nitro_diag",
		Short:         "Diagnostics for enclave vsock and NSM attestation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	listen := &cobra.Command{
		Use:   "listen",
		Short: "Accept one vsock peer and splice it to stdin/stdout",
		RunE:  runListen,
	}
	listen.Flags().Uint32Var(&port, "port", 0, "vsock port to bind")
	listen.MarkFlagRequired("port")

	connect := &cobra.Command{
		Use:   "connect",
		Short: "Dial a vsock peer and splice it to stdin/stdout",
		RunE:  runConnect,
	}
	connect.Flags().Uint32Var(&cid, "cid", nitro_enclave.CID_PARENT, "context id to dial (3 is the parent instance)")
	connect.Flags().Uint32Var(&port, "port", 0, "vsock port to dial")
	connect.MarkFlagRequired("port")

	attest := &cobra.Command{
		Use:   "attest",
		Short: "Send a raw CBOR request to the NSM and print the raw response",
		RunE:  runAttest,
	}
	attest.Flags().StringVar(&reqFile, "request", "-", "file with the CBOR-encoded request, - for stdin")
	attest.Flags().StringVar(&outFile, "out", "-", "file for the raw response, - for stdout")

	root.AddCommand(listen, connect, attest)

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runListen(cmd *cobra.Command, args []string) error {
	l, err := nitro_enclave.Bind(port)
	if err != nil {
		return err
	}
	defer l.Close()

	// Closing the listener on a signal lets a blocked Accept fail
	// out instead of hanging forever.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		l.Close()
	}()

	log.WithField("port", port).Info("waiting for a peer")
	s, err := l.Accept()
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"cid":  s.PeerCID(),
		"port": s.PeerPort(),
	}).Info("peer connected")

	return splice(s)
}

func runConnect(cmd *cobra.Command, args []string) error {
	s, err := nitro_enclave.Connect(cid, port)
	if err != nil {
		return err
	}
	log.WithField("peer", s.Peer().String()).Info("connected")

	return splice(s)
}

// splice pumps stdin into the stream and the stream onto stdout until
// either side ends. Bytes pass through untouched.
func splice(s *nitro_enclave.Stream) error {
	defer s.Close()

	go func() {
		buf := make([]byte, 32<<10)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := writeFull(s, buf[:n]); werr != nil {
					log.WithError(werr).Error("write to peer failed")
					return
				}
			}
			if err != nil {
				s.Close()
				return
			}
		}
	}()

	for {
		chunk, err := s.Read(32 << 10)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			log.Info("peer ended the stream")
			return nil
		}
		if _, err := os.Stdout.Write(chunk); err != nil {
			return err
		}
	}
}

// writeFull loops over the short writes Stream.Write is allowed to
// perform.
func writeFull(s *nitro_enclave.Stream, data []byte) error {
	for len(data) > 0 {
		n, err := s.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func runAttest(cmd *cobra.Command, args []string) error {
	var request []byte
	var err error
	if reqFile == "-" {
		request, err = io.ReadAll(os.Stdin)
	} else {
		request, err = os.ReadFile(reqFile)
	}
	if err != nil {
		return fmt.Errorf("reading request: %w", err)
	}

	response, err := nitro_enclave.NSMRequest(request)
	if errors.Is(err, nitro_enclave.ErrNoNSMDevice) {
		return fmt.Errorf("this host is not a Nitro enclave: %w", err)
	}
	if err != nil {
		return err
	}
	log.WithField("bytes", len(response)).Info("NSM responded")

	if outFile == "-" {
		_, err = os.Stdout.Write(response)
		return err
	}
	return os.WriteFile(outFile, response, 0600)
}
