// Package dashboard serves the scheduler's HTTP API: job and trigger
// listings, run history, control operations, login and a live change feed
// over server-sent events or websocket.
//
// Routes are relative to Options.RequestPath (default "/schedule"):
//
//	GET  <path>/apiconfig.js
//	GET  <path>/api/get-jobs
//	GET  <path>/api/timelines-log
//	GET  <path>/api/operate-job?jobid=&action=start|pause|remove|run
//	GET  <path>/api/operate-trigger?jobid=&triggerid=&action=start|pause|remove|run|timelines
//	GET  <path>/api/check-change      (text/event-stream)
//	GET  <path>/api/check-change-ws   (websocket)
//	POST <path>/api/login
//
// Every API route also accepts POST.
package dashboard
