// Command thoughtsearch runs Monte-Carlo tree-of-thought searches from the
// command line or as an HTTP service.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		os.Exit(1)
	}
}
