// Package route implements route interlocking.
//
// A Route groups signals, turnouts and sensors of a panel layout. Setting a
// route moves every signal and turnout to its route position and locks it;
// clearing it sets the signals back to RED and unlocks everything. Routes
// that need a shared turnout in different positions are offending each
// other and cannot be set automatically at the same time.
//
// The Engine serialises all route operations. Its Auto sweep, run on a
// sub-second period, clears automatic routes once the train reaches the end
// sensor, clears manual routes when their deadline passes, and keeps
// signals that depend on the next signal's aspect up to date.
//
// Writes are staged in the bus registry first and then pushed to the bus
// with one write per touched channel.
package route
