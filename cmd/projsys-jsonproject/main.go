// Command projsys-jsonproject is the project system plugin for project.json projects. It
// is started by projsys-host and speaks the envelope protocol over stdin and stdout.
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
