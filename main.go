// Copyright 2025 Ahmmada
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("edusync - Local-First Sync Engine")
	fmt.Println("=================================")
	fmt.Println()
	fmt.Println("edusync keeps an embedded SQLite store of offices, levels and students")
	fmt.Println("in sync with a remote Postgres backend. Writes always succeed locally;")
	fmt.Println("a durable mutation queue propagates them when connectivity allows, and")
	fmt.Println("remote changes merge back with last-writer-wins resolution.")
	fmt.Println()
	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  localstore/  SQLite store, generic entity repository, sync_queue outbox")
	fmt.Println("  remote/      Postgres remote store contract, session tokens")
	fmt.Println("  syncer/      push/pull reconciler, connectivity gating, orchestration")
	fmt.Println()
	fmt.Println("CLI driver:")
	fmt.Println()
	fmt.Println("  go run ./cmd/edusync --help")
}
