// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command stowage-token generates a registry token and prints the
// matching sha256 digest for token_hash configurations.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"tailscale.com/util/must"

	"github.com/stowage-dev/stowage/pkg/auth"
)

var (
	n     = flag.Int("n", 1, "number of tokens to generate")
	quiet = flag.Bool("quiet", false, "print bare tokens only, one per line")
)

func main() {
	flag.Parse()
	if *n < 1 {
		fmt.Fprintln(os.Stderr, "stowage-token: -n must be at least 1")
		os.Exit(2)
	}
	for i := 0; i < *n; i++ {
		token := must.Get(auth.GenerateToken())
		if *quiet {
			fmt.Println(token)
			continue
		}
		fmt.Printf("%s  %s\n", color.GreenString("token "), token)
		fmt.Printf("%s  %s\n", color.CyanString("sha256"), auth.HashToken(token))
	}
}
