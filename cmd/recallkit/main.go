// Command recallkit runs the RecallKit memory service and its operator tools.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "recallkit:", err)
		os.Exit(1)
	}
}
