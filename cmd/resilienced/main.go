// Command resilienced runs the inventory platform's resilience layer: the
// retry worker, the outbox processor, webhook delivery, the audit fallback
// drain and the health endpoints.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "resilienced:", err)
		os.Exit(1)
	}
}
