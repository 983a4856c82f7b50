/*
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package shm provides the shared-memory transport underlying IDM: a
// memory-mapped segment holding one request ring and one response ring per
// tenant zone, with futex-based blocking in place of a hypervisor event
// channel.
//
// A Segment is created by the broker (CreateSegment) and opened by a tenant
// (OpenSegment); each side wraps it in a Connection oriented for its role
// (NewBrokerConn/NewTenantConn). The rings themselves (SlotRing) are a
// fixed-capacity, power-of-two slot array with monotonic producer/consumer
// counters — single-producer/single-consumer per ring, which the
// broker/tenant role split guarantees.
package shm
