package main

import (
	"os"

	_ "go.uber.org/automaxprocs"
	"k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/sysflash/cmd/sysflashd/app"
)

func main() {
	ctx := server.SetupSignalContext()
	if err := app.NewSysflashdCommand(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}
