package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// echotest is a supervised test app: it writes to both streams, can grow
// its memory to trip max_memory_restart, and exits with a chosen code.
type flagOptions struct {
	RunDuration int  `long:"run-duration" description:"Duration in seconds before exiting (0 runs until signalled)"`
	ExitCode    int  `long:"exit-code" description:"exit code used when the run duration elapses"`
	MemoryMB    int  `long:"memory-mb" description:"Memory in Megabytes to allocate at start"`
	GrowMB      int  `long:"grow-mb" description:"Megabytes to add on every tick"`
	TickMs      int  `long:"tick-ms" description:"interval between output lines in milliseconds" default:"1000"`
	NoNewline   bool `long:"no-newline" description:"finish with a line that has no trailing newline"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running Echotest, pid: %d, opts: %+v\n", os.Getpid(), opts)

	ctx := context.Background()
	if opts.RunDuration > 0 {
		fmt.Printf("Using RUN DURATION of %d seconds\n", opts.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	var chunks [][]byte
	heldMB := 0
	if opts.MemoryMB > 0 {
		fmt.Printf("Using MEMORY MB of %d Megabytes\n", opts.MemoryMB)
		chunks = append(chunks, allocate(opts.MemoryMB))
		heldMB += opts.MemoryMB
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	tick := time.Duration(opts.TickMs) * time.Millisecond
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case receivedSignal := <-sig:
			fmt.Printf("Echotest received signal: %v\n", receivedSignal)
			return
		case <-ctx.Done():
			if opts.NoNewline {
				fmt.Printf("Echotest done without newline")
			} else {
				fmt.Printf("Echotest done\n")
			}
			os.Exit(opts.ExitCode)
		case <-ticker.C:
			if opts.GrowMB > 0 {
				chunks = append(chunks, allocate(opts.GrowMB))
				heldMB += opts.GrowMB
			}
			fmt.Printf("tick %d, held: %d MB, chunks: %d\n", n, heldMB, len(chunks))
			fmt.Fprintf(os.Stderr, "tick %d on stderr\n", n)
		}
	}
}

// allocate touches every page so the memory counts towards RSS.
func allocate(mb int) []byte {
	s := make([]byte, mb*1024*1024)
	for i := 0; i < len(s); i += 4096 {
		s[i] = 1
	}
	return s
}
