package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/mastercactapus/cnclink/comms"
	"github.com/mastercactapus/cnclink/machine"
	"github.com/mastercactapus/cnclink/machine/grbl"
	"github.com/mastercactapus/cnclink/machine/tinyg"
)

func main() {
	log.SetFlags(log.Lshortfile)

	transport := flag.String("transport", "serial", "Transport to reach the controller: serial, tcp or ws.")
	port := flag.String("port", "/dev/ttyUSB0", "Serial port path, host:port pair, or ws:// URL.")
	baud := flag.Int("baud", 115200, "Serial baud rate.")
	firmware := flag.String("firmware", "grbl", "Controller firmware: grbl, fluidnc, smoothieware, tinyg or g2core.")
	rxBuffer := flag.Int("rx-buffer", 0, "Override the firmware receive buffer size in bytes.")
	addr := flag.String("addr", ":9092", "Address to bind the cnclink server to.")
	flag.Parse()

	if flag.Arg(0) == "check" {
		if flag.Arg(1) == "" {
			log.Fatal("usage: cnclink check <program.gcode>")
		}
		err := runCheck(flag.Arg(1))
		if err != nil {
			log.Fatal(err)
		}
		return
	}

	var t comms.Transport
	switch *transport {
	case "serial":
		t = comms.NewSerialTransport()
	case "tcp":
		t = comms.NewTCPTransport()
	case "ws":
		t = comms.NewWSTransport()
	default:
		log.Fatalf("unknown transport '%s'", *transport)
	}

	params := comms.ConnectionParams{
		Port:     *port,
		BaudRate: *baud,
		Timeout:  5 * time.Second,
	}

	ctl, err := newController(machine.Firmware(*firmware), t, params, *rxBuffer)
	if err != nil {
		log.Fatal(err)
	}

	err = ctl.Connect()
	if err != nil {
		log.Fatal(err)
	}
	defer ctl.Disconnect()

	api := newAPI(ctl)
	err = http.ListenAndServe(*addr, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		log.Printf("%s %s - %s", req.Method, req.URL.Path, req.RemoteAddr)
		api.ServeHTTP(w, req)
	}))
	if err != nil {
		log.Fatal(err)
	}
}

// newController maps a firmware name onto its protocol family and
// dialect.
func newController(fw machine.Firmware, t comms.Transport, params comms.ConnectionParams, rxBuffer int) (machine.Controller, error) {
	withBuffer := func(d grbl.Dialect) grbl.Dialect {
		if rxBuffer > 0 {
			d.RxBufferSize = rxBuffer
		}
		return d
	}

	switch fw {
	case machine.FirmwareGrbl:
		return grbl.New(withBuffer(grbl.DialectGrbl), t, params), nil
	case machine.FirmwareFluidNC:
		return grbl.New(withBuffer(grbl.DialectFluidNC), t, params), nil
	case machine.FirmwareSmoothie:
		return grbl.New(withBuffer(grbl.DialectSmoothie), t, params), nil
	case machine.FirmwareTinyG:
		return tinyg.New(tinyg.DialectTinyG, t, params), nil
	case machine.FirmwareG2Core:
		return tinyg.New(tinyg.DialectG2Core, t, params), nil
	}
	return nil, fmt.Errorf("unknown firmware '%s'", fw)
}
