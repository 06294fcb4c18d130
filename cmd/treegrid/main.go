// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command treegrid serves the virtualized tree grid API.
//
// # Usage
//
//	# Build
//	go build -o treegrid ./cmd/treegrid
//
//	# Create a demo tree, then serve it
//	./treegrid seed --db tree.db --roots 50 --fanout 5 --depth 3
//	./treegrid serve --db tree.db --port 12300
//
// Configuration precedence is defaults, then --config YAML, then TREEGRID_*
// environment variables, then flags.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
