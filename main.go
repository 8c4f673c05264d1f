// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🛡️  Finance-OS Reliability & Synchronization Engine")
	fmt.Println("===================================================")
	fmt.Println()
	fmt.Println("This module keeps an offline-capable financial dashboard trustworthy:")
	fmt.Println("queued mutations that survive restarts and replay without duplicates,")
	fmt.Println("shared toast claims across tabs, app update rollout through a worker")
	fmt.Println("bridge, best-effort telemetry, and form drafts that outlive the network.")
	fmt.Println()

	fmt.Println("📦 Packages:")
	fmt.Println()
	fmt.Println("   relsync    - the engine: offline intent queue, flush cycles, claims,")
	fmt.Println("                update lifecycle, telemetry, drafts, HTTP backend client")
	fmt.Println("   relsqlite  - durable storage on SQLite plus an fsnotify signal that")
	fmt.Println("                carries key changes between tabs and processes")
	fmt.Println("   relworker  - the background worker half of the bridge: websocket hub,")
	fmt.Println("                build state machine, sync wakes, push routing")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🏦 Finwatch Server (examples/finwatch_server/)")
	fmt.Println("   The backend the engine flushes against: idempotent mutation RPC,")
	fmt.Println("   telemetry ingest, release publishing, JWT auth, Postgres or memory")
	fmt.Println("   Run: go run ./examples/finwatch_server")
	fmt.Println()

	fmt.Println("2. 🖥️  Dashboard Flow Simulator (examples/dashboard_flow/)")
	fmt.Println("   Simulated dashboard tabs exercising the engine end to end: offline")
	fmt.Println("   bursts, poisoned intents, two-tab claims, update rollouts, sync wakes")
	fmt.Println("   Run: go run ./examples/dashboard_flow -scenario all")
	fmt.Println()
}
