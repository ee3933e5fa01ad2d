// Package journal keeps a diagnostic record of route activity in SQLite.
//
// Every route set, clear and rejected request emitted by the route engine
// becomes one row of the route_journal table. The Recorder receives engine
// events through a bounded queue and writes them from a single worker, so
// the engine never waits on the database. Events arriving while the queue
// is full are dropped and counted.
package journal
