// Package chainloader discovers, orders and loads plugins exactly once per
// process, at the moment the host runtime becomes safe to call into.
//
// A chainload has three phases:
//   - Discovery reads only metadata from candidate modules (wasm custom
//     sections or plugin manifests) and builds one descriptor per declared
//     plugin type. No plugin code runs.
//   - Resolution turns the descriptor set into a deterministic load plan.
//     Hard dependency cycles, missing hard dependencies and version
//     mismatches exclude plugins; soft dependencies only affect ordering;
//     ties are broken by GUID.
//   - Loading constructs and loads each planned plugin in order, isolating
//     every failure to the plugin that caused it.
//
// Basic Usage:
//
//	cfg, err := chainloader.LoadConfig("chainloader.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	cl, err := chainloader.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cl.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	// Either run the chainload directly...
//	err = cl.Execute(ctx)
//
//	// ...or let the host's first marker call trigger it.
//	hook, err := cl.InstallSafePointHook(ctx, libraries)
//
// Plugins:
// A plugin implements Plugin (Load) and optionally Unloader. Embedding
// BasePlugin gives it its descriptor, a named log source and a persistent
// per-GUID configuration file.
//
// Observability:
// Logging goes through named log sources and pluggable listeners, with early
// events buffered and replayed once. Prometheus metrics, OpenTelemetry spans,
// gRPC/HTTP health and an argus audit trail are optional.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package chainloader
