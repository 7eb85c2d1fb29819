// Package config loads the structured configuration document consumed by a
// gridstream service at startup.
//
// Configuration is a plain key-value document (YAML or JSON). Every option
// recognized by the runtime has a documented default; accessors never fail,
// they fall back to the default when a key is absent or mistyped. Nested
// sections are addressed with dotted keys:
//
//	cfg.Duration("outbox.poll-interval", time.Second)
//	cfg.Int("outbox.max-batch-size", 50)
package config
