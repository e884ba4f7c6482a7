// Package config loads the runtime configuration of the scenerun CLI.
//
// Configuration comes from an optional YAML file (scenerun.yaml in the
// working directory, or an explicit --config path) layered over built-in
// defaults, with SCENERUN_* environment variables taking precedence. Nested
// keys map to variables by joining with underscores:
//
//	audit:
//	  path: logs/audit.jsonl      # SCENERUN_AUDIT_PATH
//	  sqlite: logs/audit.db       # SCENERUN_AUDIT_SQLITE
//	plugins:
//	  dirs: [./plugins]           # SCENERUN_PLUGINS_DIRS
//	  load_timeout: 10s
//	  memory_limit_pages: 256
//	policy:
//	  paths: [./policies]
//	  watch: false
//	runtime:
//	  default_timeout_ms: 30000
//	  retry_delay: 200ms
//	moqui:
//	  base_url: https://erp.example.com
//	  username: ops
//	  password: ...               # SCENERUN_MOQUI_PASSWORD
//	telemetry:
//	  log_level: info
//	  tracing_enabled: false
//	eval:
//	  target_cycle_time_ms: 0
//
// Load validates the result and reports every problem in a single error.
package config
