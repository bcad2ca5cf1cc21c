// Package hostproxy implements the wire protocol client used to execute
// commands on the host system from inside the sandboxed orchestrator
// process. One exchange equals one TCP connection: a single JSON request
// line out, a stream of JSON frame lines back, reduced to one result.
package hostproxy
