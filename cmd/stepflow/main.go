package main

import (
	"log/slog"

	"github.com/stepflow-io/stepflow/pkg/stepflow"
)

func main() {

	//you may do your own logger setup here or use this default one with slog
	stepflow.SetupLogger()

	if err := stepflow.Start(nil); err != nil {
		slog.Error("Server exited with error", "error", err)
	}
}
