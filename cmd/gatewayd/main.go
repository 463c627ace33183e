// Package main provides the entrypoint for the gateway daemon.
package main

import "github.com/neurogate/gateway/cmd/gatewayd/app"

func main() {
	app.Execute()
}
