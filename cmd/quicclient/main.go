// Command quicclient is the reference QUIC traffic generator launched on
// every source host. It sends paced chunks over a bulk stream for the
// requested duration while estimating the round-trip time over a ping
// stream, and appends one metric record per second to the JSONL metrics
// file as it is produced. Appending immediately means an orchestrator
// terminating the process at the experiment deadline keeps every
// completed second on disk.
package main

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"flag"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/netperf-lab/quicbench"
	"github.com/quic-go/quic-go"
)

func main() {
	host := flag.String("host", "", "server address")
	port := flag.Int("port", 4433, "server port")
	duration := flag.Int("duration", 10, "test duration in seconds")
	rate := flag.Float64("rate", 15, "target rate in Mbps for pacing")
	chunkSize := flag.Int("chunk-size", 16384, "chunk size in bytes")
	metricsFile := flag.String("metrics-file", "", "path of the JSONL metrics output file")
	noVerify := flag.Bool("no-verify", false, "disable TLS certificate verification")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("parsing -log-level")
	}
	log.SetLevel(level)
	if *host == "" {
		log.Fatal("the -host flag is mandatory")
	}

	// the margin covers connection setup and trailing packets
	ctx, cancel := context.WithTimeout(
		context.Background(), time.Duration(*duration+5)*time.Second)
	defer cancel()

	tlsConf := &tls.Config{
		InsecureSkipVerify: *noVerify,
		NextProtos:         []string{"throughput-test"},
	}
	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{})
	if err != nil {
		log.WithError(err).Fatal("quic.DialAddr")
	}
	defer conn.CloseWithError(0, "done")

	bulk, err := openStream(ctx, conn, 'B')
	if err != nil {
		log.WithError(err).Fatal("opening bulk stream")
	}
	ping, err := openStream(ctx, conn, 'P')
	if err != nil {
		log.WithError(err).Fatal("opening ping stream")
	}

	var writer *quicbench.FlowLogWriter
	if *metricsFile != "" {
		writer, err = quicbench.NewFlowLogWriter(*metricsFile)
		if err != nil {
			log.WithError(err).Fatal("opening metrics file")
		}
		defer writer.Close()
	}

	// smoothedRTT holds the latest smoothed estimate in nanoseconds
	smoothedRTT := &atomic.Int64{}
	go probeRTT(ping, smoothedRTT)

	sendLoop(bulk, *duration, *rate, *chunkSize, smoothedRTT, writer)
	bulk.Close()

	// brief delay so the final packets reach the wire
	time.Sleep(250 * time.Millisecond)
}

// openStream opens a stream and declares its role.
func openStream(ctx context.Context, conn quic.Connection, role byte) (quic.Stream, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write([]byte{role}); err != nil {
		return nil, err
	}
	return stream, nil
}

// probeRTT periodically measures the round-trip time over the ping stream
// and keeps an EWMA with the usual 1/8 gain.
func probeRTT(ping quic.Stream, smoothedRTT *atomic.Int64) {
	buffer := make([]byte, 8)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		t0 := time.Now()
		binary.BigEndian.PutUint64(buffer, uint64(t0.UnixNano()))
		if _, err := ping.Write(buffer); err != nil {
			return
		}
		_ = ping.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(ping, buffer); err != nil {
			return
		}
		sample := time.Since(t0).Nanoseconds()
		previous := smoothedRTT.Load()
		if previous == 0 {
			smoothedRTT.Store(sample)
			continue
		}
		smoothedRTT.Store(previous - previous/8 + sample/8)
	}
}

// sendLoop writes paced chunks until the duration elapses, appending one
// metric record per second to writer, which may be nil.
func sendLoop(bulk quic.Stream, durationSec int, rateMbps float64,
	chunkSize int, smoothedRTT *atomic.Int64, writer *quicbench.FlowLogWriter) {
	chunk := make([]byte, chunkSize)
	for idx := range chunk {
		chunk[idx] = 'x'
	}
	targetBytesPerSec := rateMbps * 1e6 / 8
	pace := time.Duration(float64(chunkSize) / targetBytesPerSec * float64(time.Second))

	var bytesSent, lastBytes int64
	var records int
	start := time.Now()
	deadline := start.Add(time.Duration(durationSec) * time.Second)
	lastLog := start

	for time.Now().Before(deadline) {
		sendStart := time.Now()
		if _, err := bulk.Write(chunk); err != nil {
			log.Warnf("bulk write: %s", err.Error())
			break
		}
		bytesSent += int64(chunkSize)

		if now := time.Now(); now.Sub(lastLog) >= time.Second {
			if writer != nil {
				record := quicbench.FlowRecord{
					TimeSec:   int(now.Sub(start).Seconds()),
					RTTMillis: float64(smoothedRTT.Load()) / float64(time.Millisecond),
					BytesSent: bytesSent - lastBytes,
				}
				if err := writer.Record(record); err != nil {
					log.Warnf("writing metric record: %s", err.Error())
				}
				records++
			}
			lastLog = now
			lastBytes = bytesSent
		}

		if sleep := pace - time.Since(sendStart); sleep > 0 {
			time.Sleep(sleep)
		}
	}

	elapsed := time.Since(start).Seconds()
	log.Infof("sent %d bytes in %.2fs (%.2f Mbps), %d metric records",
		bytesSent, elapsed, float64(bytesSent*8)/elapsed/1e6, records)
}
