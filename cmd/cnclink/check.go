package main

import (
	"fmt"
	"io/ioutil"
	"log"
	"strings"

	"github.com/joushou/gocnc/gcode"
	"github.com/joushou/gocnc/vm"
)

// runCheck dry-runs a program through the gocnc simulator before it
// ever reaches a machine. Parse errors and unsupported codes surface
// here instead of mid-cut.
func runCheck(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}

	doc, err := gcode.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parse '%s': %w", path, err)
	}

	var m vm.Machine
	m.Init()
	err = m.Process(doc)
	if err != nil {
		return fmt.Errorf("simulate '%s': %w", path, err)
	}

	log.Printf("%s: %d blocks OK", path, len(doc.Blocks))
	return nil
}
