/*
Package sitebus wires the messaging core of a site control and data
acquisition system: a command manager for request/response calls between
components, a data manager for sensor values, an event manager for
notifications and the process-wide shutdown, and an archiver that records
all of it.

# Quick Start

	fw, err := sitebus.New()
	if err != nil {
	    return err
	}
	defer fw.Close()

	valve, err := fw.NewComponent("valve-1", command.Table{
	    "open": func(ctx context.Context, call command.Call) (any, error) {
	        return true, nil
	    },
	})
	if err != nil {
	    return err
	}

	if err := fw.Start(ctx); err != nil {
	    return err
	}

	ok, err := valve.Call(ctx, "valve-1", "open")

Components never hold references to each other. They publish data and events
under their own name, subscribe by publisher name, and reach each other's
commands through the command manager.

# Configuration

NewFromConfig builds a framework from a site file read with the config
package:

	cfg, err := config.FromFile("site.yaml")
	fw, err := sitebus.NewFromConfig(cfg)

Settings cover response timeouts, blocking or polling loops, transaction
retention, the SQLite archive path, logging, and telemetry. Each component
reads its own block with Component.Config.

# Shutdown

A shutdown event from any component raises the stop signal. Every loop built
by the framework exits when it fires, and Wait returns. Close ends the loops,
drains their queues, and closes the archive.

# Packages

  - envelope: packages and payloads
  - destination: the accept/handle contract and queue-backed loops
  - command: command manager, transactions, endpoints
  - data, event: pub/sub managers
  - archive: in-memory and SQLite archivers
  - config: site files and settings
  - observability: logging helpers, OpenTelemetry metrics and spans
*/
package sitebus
