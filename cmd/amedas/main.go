// Command amedas acquires JMA AMeDAS hourly observations and derives monthly
// climate anomalies from them.
package main

import (
	"fmt"
	"os"
)

const (
	serviceName = "amedas"
	version     = "1.0.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
