// Command projsys-host runs the project system plugins of a workspace root and serves
// their events, information models and health over HTTP.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	setVersion(version)

	if err := execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
