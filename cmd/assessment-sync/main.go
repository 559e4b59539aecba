// Command assessment-sync copies establishments, students, assessment
// scores and question responses from the source API into a relational
// sink.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
)

func main() {
	// glog is only used for fatal startup errors; keep it on stderr.
	_ = flag.Set("logtostderr", "true")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
