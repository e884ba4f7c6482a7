// Package moqui is a REST client for the Moqui ERP framework.
//
// The client covers the login, refresh and logout flow, entity CRUD under
// /rest/s1/entities and service calls under /rest/s1/services. Every answer
// is normalised into a Response envelope:
//
//	{"success": true, "data": ..., "meta": {"status": 200}}
//	{"success": false, "error": {"code": "NOT_FOUND", "message": "...", "details": {...}}}
//
// Network errors and 5xx responses are retried with a fixed delay and end as
// transient engine errors. A 401 causes one token refresh (or a new login)
// and a single retry. Requests pass through a token-bucket rate limiter.
package moqui
