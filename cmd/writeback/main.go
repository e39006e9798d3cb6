// Command writeback runs the write-back worker and the operator commands
// around its queue and conflicts.
//
// Configuration comes from the file given with --config and WRITEBACK_
// environment variables, i.e.
//
//	writeback --config /etc/writeback.yaml migrate
//	WRITEBACK_WORKER_BATCHSIZE=100 writeback worker
//	writeback conflicts resolve 7d1c... --strategy merge --by ops \
//	    --choice endDate=local --choice title=custom:'"Renewal 2026"'
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
