// Package config loads, validates and hot-reloads the speechgate
// configuration.
//
// Configuration is YAML. Loading starts from Default(), overlays the file,
// fills remaining zero values with ApplyDefaults and then validates.
// LoadConfigWithEnvOverrides additionally applies SPEECHGATE_* environment
// variables, which always win over the file.
//
// Live configuration is shared through a Holder rather than a package
// global. Watcher re-reads the file when it changes and swaps the Holder's
// value; an invalid file is logged and the previous config stays active.
//
// Example:
//
//	server:
//	  listen_address: "0.0.0.0:8080"
//	tiers:
//	  anonymous: {char_limit: 500, requests_per_day: 5, requests_per_minute: 1}
//	  free: {char_limit: 1000, requests_per_day: 30, requests_per_minute: 3}
//	api_keys:
//	  "sk-live-abc": {id: "42", tier: free}
//	relays:
//	  endpoints: ["http://relay-1:3128"]
//	upstream:
//	  base_url: "http://tts-backend:5050"
package config
