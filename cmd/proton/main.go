package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/turtacn/proton/internal/cli"
	"github.com/turtacn/proton/pkg/consts"
	"github.com/turtacn/proton/pkg/logger"
	"github.com/turtacn/proton/pkg/webapp"
)

func init() {
	webapp.Register(consts.DefaultWebapp, func() (webapp.App, error) {
		return http.HandlerFunc(hello), nil
	})
}

func hello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "hello from proton worker %d\n", os.Getpid())
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			if logger.Log != nil {
				logger.Log.Error("Panic recovered", "panic", r)
			} else {
				fmt.Fprintf(os.Stderr, "Panic recovered: %v\n", r)
			}
			os.Exit(1)
		}
	}()

	cli.Execute()
}

// Personal.AI order the ending
