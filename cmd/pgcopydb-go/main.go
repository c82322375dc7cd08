// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/pgcopydb-go/pgcopydb-go/cmd"
	"github.com/pgcopydb-go/pgcopydb-go/pkg/errs"
)

func main() {
	err := cmd.Execute()
	os.Exit(int(errs.Classify(err)))
}
