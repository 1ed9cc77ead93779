// Package config loads pbus board files.
//
// A board file names the board, tunes the broker, lists boot items and the
// devices the board driver adds at start, and configures the daemon's store,
// devhost listener, admission policies and telemetry. It is written in YAML,
// JSON or CUE:
//
//	board:
//	  name: vim2
//	  vid: 5
//	  pid: 3
//	  revision: 1
//	broker:
//	  protocol_policy: replace
//	boot_items:
//	  - type: 0x4d414331
//	    extra: 0
//	    data: ABEiM0RV
//	devices:
//	  - name: aml-gpio
//	    vid: 5
//	    pid: 1
//	    did: 1
//	    pbus_devhost: true
//	    mmios:
//	      - {base: 0xc8834000, length: 0x1000}
//
// CUE files are unified with a built-in schema before decoding, so type and
// range errors are reported with file positions. Every file is then checked
// with struct tag validation and each device descriptor is validated the way
// DeviceAdd would.
//
// A Watcher re-reads the file on change; the daemon uses it to re-apply the
// board revision.
package config
