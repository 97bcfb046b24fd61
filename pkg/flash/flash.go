// Package flash sequences a full device flash: handshake, loader transfer,
// then a DOWNLOAD-command/YMODEM-transfer pair per application image,
// followed by a reset. It is the orchestrator (spec §4.6) that drives the
// lower protocol layers over one owned transport.
package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ws63flash/ws63flash/pkg/frame"
	"github.com/ws63flash/ws63flash/pkg/fwpkg"
	"github.com/ws63flash/ws63flash/pkg/handshake"
	"github.com/ws63flash/ws63flash/pkg/trace"
	"github.com/ws63flash/ws63flash/pkg/transport"
	"github.com/ws63flash/ws63flash/pkg/ymodem"
)

// ErrNoLoader is returned when the package carries no type-0 (loader) entry.
var ErrNoLoader = errors.New("flash: package has no loader image")

const (
	initialBaud = 115200
	eraseUnit   = 0x2000 // 8192
)

// These are vars rather than consts so tests can shrink them, matching the
// same rationale as the handshake package's timing knobs.
var (
	postLoaderFrameWait = 5 * time.Second
	downloadReplyWait   = 5 * time.Second
	resetReplyWait      = 5 * time.Second
	interImagePause     = 100 * time.Millisecond
)

// Options configures a flash run.
type Options struct {
	PackagePath string
	Port        string
	TargetBaud  int
	Trace       trace.Sink
}

// OpenTransport abstracts transport.Open so tests can substitute a scripted
// device without touching a real serial port.
type OpenTransport func(port string, baud int) (transport.Stream, error)

// defaultOpen wraps transport.Open, adapting its concrete *Serial return to
// the transport.Stream interface OpenTransport expects.
func defaultOpen(port string, baud int) (transport.Stream, error) {
	return transport.Open(port, baud)
}

// Run executes a full flash against opts.Port using the default transport.
func Run(opts Options) error {
	return run(opts, defaultOpen)
}

// run is Run with an injectable transport opener, used directly by tests.
func run(opts Options, open OpenTransport) error {
	tr := opts.Trace
	if tr == nil {
		tr = trace.Discard
	}

	pkg, err := fwpkg.Parse(opts.PackagePath)
	if err != nil {
		return fmt.Errorf("flash: parse package: %w", err)
	}
	loader := pkg.Loader()
	if loader == nil {
		return ErrNoLoader
	}

	stream, err := open(opts.Port, initialBaud)
	if err != nil {
		return fmt.Errorf("flash: open transport: %w", err)
	}
	defer stream.Close()

	if err := stream.SetRTS(false); err != nil {
		return fmt.Errorf("flash: de-assert RTS: %w", err)
	}

	tr.Printf("flash: starting handshake at %d baud, target %d baud", initialBaud, opts.TargetBaud)
	if err := handshake.Negotiate(stream, opts.TargetBaud, tr); err != nil {
		return fmt.Errorf("flash: handshake: %w", err)
	}

	tr.Printf("flash: sending loader %q (%d bytes)", loader.Name, loader.Length)
	loaderData, err := pkg.ReadImage(loader)
	if err != nil {
		return fmt.Errorf("flash: read loader image: %w", err)
	}
	if err := ymodem.Send(stream, loaderData, loader.Name, tr); err != nil {
		return fmt.Errorf("flash: send loader: %w", err)
	}

	// The device's reply here is not required for the flash to proceed;
	// it is unverified from source alone whether it always sends one
	// (spec §9 open question), so timeout is tolerated.
	if err := receiveReply(stream, postLoaderFrameWait, tr, true); err != nil {
		return fmt.Errorf("flash: post-loader reply: %w", err)
	}

	for i, app := range pkg.Apps() {
		tr.Printf("flash: app %d/%d %q", i+1, len(pkg.Apps()), app.Name)

		eraseSize := eraseSizeFor(app.Length)
		downloadPayload := make([]byte, 14)
		binary.LittleEndian.PutUint32(downloadPayload[0:4], app.BurnAddr)
		binary.LittleEndian.PutUint32(downloadPayload[4:8], app.Length)
		binary.LittleEndian.PutUint32(downloadPayload[8:12], eraseSize)
		downloadPayload[12] = 0x00
		downloadPayload[13] = 0xFF

		if err := stream.Write(frame.Encode(frame.CmdDownload, downloadPayload)); err != nil {
			return fmt.Errorf("flash: send DOWNLOAD for %q: %w", app.Name, err)
		}
		if err := receiveReply(stream, downloadReplyWait, tr, false); err != nil {
			return fmt.Errorf("flash: DOWNLOAD reply for %q: %w", app.Name, err)
		}

		appData, err := pkg.ReadImage(&app)
		if err != nil {
			return fmt.Errorf("flash: read image %q: %w", app.Name, err)
		}
		if err := ymodem.Send(stream, appData, app.Name, tr); err != nil {
			return fmt.Errorf("flash: send %q: %w", app.Name, err)
		}

		time.Sleep(interImagePause)
	}

	tr.Printf("flash: sending reset")
	if err := stream.Write(frame.Encode(frame.CmdReset, []byte{0x00, 0x00})); err != nil {
		return fmt.Errorf("flash: send RESET: %w", err)
	}
	_ = receiveReply(stream, resetReplyWait, tr, true) // reply ignored entirely, even on error

	return nil
}

// eraseSizeFor rounds length up to the nearest 8KiB erase unit, per spec §4.6
// step 6a / §9 (integer-exact form of the source's floating-point ceiling).
func eraseSizeFor(length uint32) uint32 {
	return ((length + eraseUnit - 1) / eraseUnit) * eraseUnit
}

// receiveReply waits for one vendor frame. A CRC or cmd_inv failure is
// logged and tolerated (spec §4.3/§7); a timeout is tolerated only when
// tolerateTimeout is set.
func receiveReply(s transport.Stream, timeout time.Duration, tr trace.Sink, tolerateTimeout bool) error {
	_, err := frame.Receive(s, timeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, frame.ErrBadCrc), errors.Is(err, frame.ErrBadCmdInv):
		tr.Printf("flash: reply frame warning (tolerated): %v", err)
		return nil
	case errors.Is(err, frame.ErrFrameTimeout):
		if tolerateTimeout {
			tr.Printf("flash: no reply frame within %s (tolerated)", timeout)
			return nil
		}
		return err
	default:
		return err
	}
}
