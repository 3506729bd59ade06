// Command quicserver is the reference QUIC sink server launched on every
// destination host. It accepts bulk streams and discards their payload,
// and echoes ping streams so clients can estimate the round-trip time.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/apex/log"
	"github.com/quic-go/quic-go"
)

// streamRoleBulk and streamRolePing are the first byte a client writes on
// a new stream to declare its purpose.
const (
	streamRoleBulk = 'B'
	streamRolePing = 'P'
)

func main() {
	host := flag.String("host", "0.0.0.0", "address to bind to")
	port := flag.Int("port", 4433, "port to bind to")
	certFile := flag.String("cert", "cert.pem", "TLS certificate file")
	keyFile := flag.String("key", "key.pem", "TLS key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("parsing -log-level")
	}
	log.SetLevel(level)

	cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
	if err != nil {
		log.WithError(err).Fatal("loading certificate")
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"throughput-test"},
	}

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{})
	if err != nil {
		log.WithError(err).Fatal("quic.ListenAddr")
	}

	// the orchestrator waits for this line before starting any client
	fmt.Printf("listening on %s\n", listener.Addr())

	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			log.WithError(err).Fatal("listener.Accept")
		}
		go serveConn(conn)
	}
}

// serveConn accepts and serves the streams of a single connection.
func serveConn(conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			log.Debugf("connection from %s closed: %s", conn.RemoteAddr(), err.Error())
			return
		}
		go serveStream(stream)
	}
}

// serveStream reads the role byte and then sinks or echoes the stream.
func serveStream(stream quic.Stream) {
	role := make([]byte, 1)
	if _, err := io.ReadFull(stream, role); err != nil {
		log.Warnf("reading stream role: %s", err.Error())
		return
	}
	switch role[0] {
	case streamRoleBulk:
		count, _ := io.Copy(io.Discard, stream)
		log.Debugf("bulk stream done: %d bytes", count)
	case streamRolePing:
		_, _ = io.Copy(stream, stream)
	default:
		log.Warnf("unknown stream role %q", role[0])
	}
}
