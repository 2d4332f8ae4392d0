package main

import (
	"os"

	"github.com/hitoshi/feedpush/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:], os.Stderr))
}
