// Package bindings resolves plan nodes to binding handlers.
//
// A Handler pairs a match predicate with an execute function and, for
// adapters, an optional readiness check. The Registry tries handlers in
// registration order and falls back to a default handler that succeeds with
// simulated output, so every node resolves. Built-in handlers cover Moqui
// ("moqui." refs, when a client is configured), a simulated ERP ("erp."),
// a simulated robot ("robot.", with safety readiness checks) and a generic
// adapter simulator. Dynamically loaded handlers live in the plugins
// subpackage.
package bindings
