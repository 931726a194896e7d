// Package scheduler drives due-job discovery.
//
// A Poller owns a single timer. Each tick asks the store for due jobs and
// hands all of them to the executor concurrently, then re-arms. Execution
// state (run locks, retries, history) lives in the store and the engine;
// the poller keeps none.
package scheduler
