package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ws63flash/ws63flash/pkg/flash"
	"github.com/ws63flash/ws63flash/pkg/fwpkg"
	"github.com/ws63flash/ws63flash/pkg/trace"
)

var (
	port         = flag.String("port", "", "Serial device path")
	portShort    = flag.String("p", "", "Serial device path (shorthand)")
	baudRate     = flag.Int("baudrate", 921600, "Target baud rate for flashing")
	baudShort    = flag.Int("b", 0, "Target baud rate for flashing (shorthand)")
	show         = flag.Bool("show", false, "Print the package contents and exit without flashing")
	showShort    = flag.Bool("s", false, "Print the package contents and exit without flashing (shorthand)")
	verbose      = flag.Bool("verbose", false, "Log protocol-level detail")
	verboseShort = flag.Bool("v", false, "Log protocol-level detail (shorthand)")
)

// recommendedBauds are the device baud rates known to be exercised in
// practice; anything else is accepted with a warning (spec §6).
var recommendedBauds = map[int]bool{
	115200: true, 230400: true, 460800: true, 500000: true, 576000: true,
	921600: true, 1000000: true, 1152000: true, 1500000: true, 2000000: true,
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: ws63flash [flags] <firmware-file>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	firmwareFile := args[0]

	devicePath := firstNonEmpty(*portShort, *port)
	targetBaud := firstNonZero(*baudShort, *baudRate)
	showOnly := *show || *showShort
	verboseOut := *verbose || *verboseShort

	if !recommendedBauds[targetBaud] {
		log.Printf("warning: %d is not a commonly used baud rate for this device", targetBaud)
	}

	if showOnly {
		if err := printPackage(firmwareFile); err != nil {
			log.Printf("error: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if devicePath == "" {
		fmt.Fprintln(os.Stderr, "error: --port is required unless --show is given")
		os.Exit(1)
	}

	tr := trace.Sink(trace.Discard)
	if verboseOut {
		tr = func(format string, a ...interface{}) { log.Printf(format, a...) }
	}

	log.Printf("Flashing %s to %s at %d baud", firmwareFile, devicePath, targetBaud)
	err := flash.Run(flash.Options{
		PackagePath: firmwareFile,
		Port:        devicePath,
		TargetBaud:  targetBaud,
		Trace:       tr,
	})
	if err != nil {
		log.Printf("flash failed: %v", err)
		os.Exit(1)
	}
	log.Printf("Flash complete")
}

func printPackage(path string) error {
	pkg, err := fwpkg.Parse(path)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	fmt.Printf("%s: %d entries\n", path, pkg.Count)
	for _, e := range pkg.Entries {
		kind := "app"
		if e.Type == fwpkg.TypeLoader {
			kind = "loader"
		}
		fmt.Printf("  %-8s %-16s offset=0x%08X length=%-8d burn_addr=0x%08X burn_size=%d\n",
			kind, e.Name, e.Offset, e.Length, e.BurnAddr, e.BurnSize)
	}
	return nil
}
