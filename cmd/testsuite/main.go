package main

import (
	"os"

	"github.com/vcon-dev/conserver-testsuite/cmd/testsuite/cmd"
	"github.com/vcon-dev/conserver-testsuite/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	os.Exit(cmd.Execute())
}
