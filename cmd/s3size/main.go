// Command s3size tracks S3 bucket sizes from event notifications and renders
// their history as charts.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/s3-size-history/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
