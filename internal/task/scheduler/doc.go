// Package scheduler owns jobs and their triggers.
//
// A Factory holds one Scheduler per job and a single dispatch loop that sleeps
// until the earliest trigger is due. Due triggers are handed to the run
// executor off the loop; completions update trigger state, append a timeline
// entry and publish a change event on the bus.
package scheduler
