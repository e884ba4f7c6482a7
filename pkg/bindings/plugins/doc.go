/*
Package plugins discovers binding handlers in plugin directories.

Three file kinds are recognised:

  - .star files are Starlark. The global "plugin" holds a dict, a list of
    dicts or a zero-argument function returning either.
  - .go files are Go source interpreted with yaegi. The package main file
    defines Handlers() []map[string]any or Handler() map[string]any.
  - .wasm files are WebAssembly modules run by wazero. They export memory,
    malloc, free, handler_describe and handler_execute, plus optionally
    handler_readiness. Requests and answers are JSON in linear memory and
    results are packed as (ptr << 32) | len.

Every handler declares an id and at least one of prefix, pattern (doublestar
glob over binding references) or types (node types), either at the top
level or under "match". Execute receives the node and payload and answers
{status, output, error}; readiness receives the scene and payload and
answers {ready, checks}.

A Starlark plugin:

	def execute(node, payload):
	    return {"status": "success", "output": {"ref": node["binding_ref"]}}

	plugin = {"id": "echo", "match": {"prefix": "echo."}, "execute": execute}

A directory may carry a plugins.json validated against a JSON Schema:

	{
	  "strict": false,
	  "defaults": {"enabled": true, "priority": 100},
	  "allowed_files": ["*.star"],
	  "blocked_files": ["legacy_*.star"],
	  "plugins": [{"file": "erp.star", "priority": 10}]
	}

Files load in ascending priority, then by name. Load never fails: unreadable
directories, malformed files and rejected handlers are collected as report
warnings next to a BLAKE3 fingerprint of every consulted file.

Usage:

	report := plugins.Load(ctx, plugins.Options{Dirs: cfg.Plugins.Dirs, Logger: logger})
	defer report.Close(ctx)
	plugins.Register(registry, report)
	bindings.RegisterBuiltins(registry, bindings.BuiltinOptions{})
*/
package plugins
