package main

import (
	"os"

	"github.com/nuetzliches/lqs/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
