// Package config loads tab-relay configuration from YAML or TOML.
//
// The file format follows the extension (.toml, otherwise YAML). Values of
// the form ${VAR} are replaced from the environment before decoding, and
// duration fields are written as Go duration strings ("500ms", "5s").
//
// Example (YAML):
//
//	server:
//	  http_addr: "localhost:8080"
//	database:
//	  path: "${HOME}/.local/share/tab-relay/relay.db"
//	relay:
//	  all_tabs_mode: snapshot
//	  all_tabs_timeout: 5s
//	watchers:
//	  - name: media
//	    command: ["node", "tools/detect_media_macos.js"]
//	    mode: keys
//	  - name: wake
//	    command: ["log", "stream", "--predicate", "eventMessage contains 'Wake reason'"]
//	    mode: match
//	    match: "Wake reason"
//	    event: wokeup_v2
//	redis:
//	  enabled: true
//	  channel: tab-relay
package config
