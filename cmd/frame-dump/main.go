// frame-dump decodes one captured ciNet frame: header fields, CRC verdicts
// and, given the device passphrase, every payload field. Reads a file
// argument or stdin; -hex accepts hex dumps instead of raw bytes.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/beacon-track/trackserver/internal/cinet"
)

func main() {
	passphrase := flag.String("passphrase", "", "device passphrase for payload decryption")
	hexInput := flag.Bool("hex", false, "input is hex text rather than raw bytes")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: frame-dump [-passphrase p] [-hex] <file|->\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	data, err := readInput(flag.Arg(0), *hexInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== ciNet frame (%d bytes) ===\n", len(data))

	if err := cinet.ValidateHeader(data); err != nil {
		fmt.Printf("header: INVALID (%v)\n", err)
		os.Exit(1)
	}
	fmt.Printf("header:      OK (start=0x%02X type=0x%02X)\n", data[0], data[1])
	fmt.Printf("declared:    %d bytes\n", int(data[2])<<8|int(data[3]))
	fmt.Printf("sequence:    %d\n", data[4])
	fmt.Printf("device key:  0x%08X\n", cinet.ExtractDeviceKey(data))
	fmt.Printf("source type: %q\n", trimNul(data[10:22]))
	fmt.Printf("serial:      %q\n", trimNul(data[22:46]))

	if ts, err := cinet.DecodeDatong(data[46:51]); err != nil {
		fmt.Printf("header time: INVALID (%v)\n", err)
	} else {
		fmt.Printf("header time: %s\n", ts.Format("2006-01-02T15:04:05Z"))
	}

	if err := cinet.ValidateOuterCRC(data); err != nil {
		fmt.Printf("outer CRC:   MISMATCH (%v)\n", err)
		os.Exit(1)
	}
	fmt.Println("outer CRC:   OK")

	if *passphrase == "" {
		fmt.Println("\n(no -passphrase given; payload stays encrypted)")
		fmt.Printf("payload hex: %s\n", hex.EncodeToString(data[51:147]))
		return
	}

	ev, err := cinet.NewParser().Parse(data, *passphrase)
	if err != nil {
		fmt.Printf("payload:     REJECTED (%v)\n", err)
		os.Exit(1)
	}
	fmt.Println("inner CRC:   OK")
	fmt.Println()
	fmt.Printf("message type: %s\n", ev.MessageType)
	fmt.Printf("client name:  %q\n", ev.ClientName)
	fmt.Printf("position:     %.6f, %.6f\n", ev.Latitude, ev.Longitude)
	if ev.Heading != nil {
		fmt.Printf("heading:      %.2f\n", *ev.Heading)
	} else {
		fmt.Println("heading:      invalid")
	}
	fmt.Printf("speed:        %.0f km/h\n", ev.Speed)
	if ev.TimestampInvalid {
		fmt.Printf("gps time:     INVALID (epoch substituted)\n")
	} else {
		fmt.Printf("gps time:     %s\n", ev.Timestamp.Format("2006-01-02T15:04:05Z"))
	}
	fmt.Printf("gps:          valid=%v sats=%d hdop=%.2f accuracy=%s\n",
		ev.GPSValid, ev.Satellites, ev.HDOP, ev.GPSAccuracy)
	fmt.Printf("motion:       %d (moving=%v)\n", ev.Motion, ev.IsMoving())
	fmt.Printf("battery:      %d%%\n", ev.Battery)
	fmt.Printf("temperature:  %d\n", ev.Temperature)
	fmt.Printf("rssi:         %d  ber: %d\n", ev.RSSI, ev.BitErrorRate)
	fmt.Printf("status flags: 0x%04X  alarm: %d\n", ev.StatusFlags, ev.Alarm)
	fmt.Printf("cell:         lac=%d cid=%d act=%d operator=%q\n",
		ev.LAC, ev.CellID, ev.AccessTech, ev.Operator)
	fmt.Printf("firmware:     %s\n", ev.Firmware)
	fmt.Printf("beacon mode:  %d  sensitivity: %d\n", ev.BeaconMode, ev.MotionSensitivity)
	fmt.Printf("io:           input=%d output=%d triggered=%v\n",
		ev.InputState, ev.OutputState, ev.InputTriggered)
	fmt.Printf("geozone:      %d  alerts: 0x%04X\n", ev.Geozone, ev.Alerts)
}

func readInput(path string, hexInput bool) ([]byte, error) {
	var r io.Reader
	if path == "" || path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if hexInput {
		clean := strings.Map(func(c rune) rune {
			if strings.ContainsRune("0123456789abcdefABCDEF", c) {
				return c
			}
			return -1
		}, string(data))
		return hex.DecodeString(clean)
	}
	return data, nil
}

func trimNul(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
