// Package scheduler runs tasks exactly once across every member sharing a
// coordinator.
//
// Scheduling places a TimeKeeper (the encoded task plus its due time) into a
// per-interval pending queue held in a shared map. On every member:
//   - a promotion loop, serialized cluster-wide by a distributed lock, moves
//     due entries into the shared execution queue and marks their identity in
//     the executing set
//   - a consumption loop reserves a local executor slot, then competes for the
//     next entry of the execution queue and runs it
//
// With a greedy executor the promoting member skips the execution queue and
// runs the entries it promotes itself, as many as it has free slots.
//
// The member that schedules a task is not necessarily the one that runs it.
package scheduler
