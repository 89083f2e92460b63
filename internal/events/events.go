// ABOUTME: Reserved event names understood by the relay, its watchers, and agents.
// ABOUTME: Names are typed so watcher allow-lists and relay-only routing are checked in one place.

package events

import "strings"

// Name is an event name as it appears in the first frame segment.
type Name string

// String returns the wire form of the name.
func (n Name) String() string { return string(n) }

// Correlated request events answered by agents.
const (
	AllTabs     Name = "allTabs"
	IdentifyTab Name = "identify_tab"
)

// Relay-only events. Agents send them; the relay consumes them and never
// exposes them to HTTP callers.
const (
	// OtherTabsPrefix marks agent-to-agent events rebroadcast to every other connection.
	OtherTabsPrefix = "other_tabs:"

	// Targets carries {"targets": [...]} announcing the targets a connection owns.
	Targets Name = "relay:targets"
)

// Tab lifecycle events.
const (
	TabCreated   Name = "tabCreated"
	TabRemoved   Name = "tabRemoved"
	TabUpdated   Name = "tabUpdated"
	TabActivated Name = "tabActivated"
	TabReplaced  Name = "tabReplaced"
	TabAttached  Name = "tabAttached"
)

// Media key events.
const (
	MediaPlay     Name = "mediaPlay"
	MediaNext     Name = "mediaNext"
	MediaPrevious Name = "mediaPrevious"
)

// Modifier key events.
const (
	KeyboardShift    Name = "keyboardShift"
	KeyboardCommand  Name = "keyboardCommand"
	KeyboardOption   Name = "keyboardOption"
	KeyboardControl  Name = "keyboardControl"
	KeyboardFn       Name = "keyboardFn"
	KeyboardCapsLock Name = "keyboardCapsLock"
)

// WokeUp is emitted when the host wakes from sleep.
const WokeUp Name = "wokeup_v2"

// Key actions carried in media and modifier key payloads.
const (
	ActionPressed  = "pressed"
	ActionReleased = "released"
)

// Kind classifies an event name.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindRequest
	KindRelay
	KindTabLifecycle
	KindMediaKey
	KindModifierKey
	KindWake
)

var kinds = map[Name]Kind{
	AllTabs:          KindRequest,
	IdentifyTab:      KindRequest,
	Targets:          KindRelay,
	TabCreated:       KindTabLifecycle,
	TabRemoved:       KindTabLifecycle,
	TabUpdated:       KindTabLifecycle,
	TabActivated:     KindTabLifecycle,
	TabReplaced:      KindTabLifecycle,
	TabAttached:      KindTabLifecycle,
	MediaPlay:        KindMediaKey,
	MediaNext:        KindMediaKey,
	MediaPrevious:    KindMediaKey,
	KeyboardShift:    KindModifierKey,
	KeyboardCommand:  KindModifierKey,
	KeyboardOption:   KindModifierKey,
	KeyboardControl:  KindModifierKey,
	KeyboardFn:       KindModifierKey,
	KeyboardCapsLock: KindModifierKey,
	WokeUp:           KindWake,
}

// KindOf classifies an event name. Any other_tabs: event is KindRelay.
func KindOf(name string) Kind {
	if IsOtherTabs(name) {
		return KindRelay
	}
	return kinds[Name(name)]
}

// IsOtherTabs reports whether name is an agent-to-agent relay event with a non-empty suffix.
func IsOtherTabs(name string) bool {
	return strings.HasPrefix(name, OtherTabsPrefix) && len(name) > len(OtherTabsPrefix)
}

// IsRelayOnly reports whether name must never be exposed to HTTP callers or
// accepted from external producers.
func IsRelayOnly(name string) bool {
	return strings.HasPrefix(name, OtherTabsPrefix) || Name(name) == Targets
}

// MediaKeys lists the media key events in a stable order.
func MediaKeys() []Name {
	return []Name{MediaPlay, MediaNext, MediaPrevious}
}

// ModifierKeys lists the modifier key events in a stable order.
func ModifierKeys() []Name {
	return []Name{KeyboardShift, KeyboardCommand, KeyboardOption, KeyboardControl, KeyboardFn, KeyboardCapsLock}
}

// KeyPayload is the payload of media and modifier key events.
type KeyPayload struct {
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
}

// TargetsPayload is the payload of the Targets event.
type TargetsPayload struct {
	Targets []string `json:"targets"`
}
