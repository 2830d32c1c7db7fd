package main

import (
	"fmt"
	"os"

	"github.com/abdul-hamid-achik/vidcore/internal/admin"
)

func main() {
	if err := admin.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
