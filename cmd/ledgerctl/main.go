// Command ledgerctl runs the ledger's share, price and risk arithmetic
// offline, without a store or a running service.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
