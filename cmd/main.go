// Command cryptodca runs the DCA plan engine and its HTTP API.
//
// Usage:
//
//	cryptodca serve --config config.yaml
//	cryptodca token --config config.yaml --address 0x...
//	cryptodca pid --owner 0x... --source 0x... --target 0x... --amount 10000
//	cryptodca watch --type plan_executed
//
// Secrets are read from the environment: CRYPTODCA_JWT_SECRET, CRYPTODCA_EVM_PRIVATE_KEY.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
