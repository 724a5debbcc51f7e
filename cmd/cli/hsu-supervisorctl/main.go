package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type flagOptions struct {
	Port    int      `long:"port" short:"p" description:"control port of the supervisor" required:"true"`
	Apps    []string `long:"app" short:"a" description:"app to query; repeatable, empty queries the supervisor itself"`
	Timeout int      `long:"timeout" description:"request timeout in seconds" default:"5"`
	Verbose bool     `long:"verbose" short:"v" description:"debug logging"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns 0 when every queried app is SERVING, 1 when any is not, and
// 2 when the query could not be made.
func run(argv []string) int {
	var opts flagOptions
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		return 2
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = "warn"
	if opts.Verbose {
		zapConfig.Level = "debug"
	}
	zapLogger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		zapLogger = zap.NewNop()
	}
	defer zapLogger.Sync()
	logger := logging.NewZapBackedLogger(logPrefix("hsu-supervisor"), zapLogger.Sugar())

	logger.Debugf("opts: %+v", opts)

	conn, err := control.NewConnection(opts.Port)
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		return 2
	}
	defer conn.Close()

	gateway := control.NewGRPCClientGateway(conn, logger)

	apps := opts.Apps
	if len(apps) == 0 {
		apps = []string{""}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.Timeout)*time.Second)
	defer cancel()

	exitCode := 0
	for _, app := range apps {
		name := app
		if name == "" {
			name = "(supervisor)"
		}

		status, err := gateway.Status(ctx, app)
		if err != nil {
			fmt.Printf("%s: error: %v\n", name, err)
			exitCode = 1
			continue
		}
		fmt.Printf("%s: %s\n", name, status)
		if status != "SERVING" {
			exitCode = 1
		}
	}
	return exitCode
}
