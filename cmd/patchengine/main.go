// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command patchengine runs the patch application and rollback engine.
//
// The serve subcommand hosts the HTTP API; the remaining subcommands
// are thin clients for it, plus local utilities for marker scanning
// and configuration bootstrap.
//
// Usage:
//
//	patchengine serve
//	patchengine apply --file batch.json
//	patchengine status <patch-id>
//	patchengine rollback <patch-id> --reason "bad deploy"
//	patchengine markers --pattern '**/*.go'
//	patchengine events --patch-id b1
//	patchengine events stats --window 24
//	patchengine events cleanup --retention-days 90
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
