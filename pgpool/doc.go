// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pgpool implements a synchronous, thread-safe connection pool that
// fronts a non-pooled connection factory. It bounds the number of live
// physical connections, reuses idle ones, reclaims checkouts held past a
// deadline, and probes liveness before handing a connection back out.
//
// Statement-level pooling, SQL parsing, and transaction/session machinery
// are out of scope; pgpool only manages the lifecycle of the physical
// connection itself.
package pgpool
