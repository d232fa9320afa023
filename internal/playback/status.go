// ABOUTME: Interfaces a playback loop publishes its lifecycle through, kept narrow to dodge an import cycle
// ABOUTME: (appstate depends on engine, engine depends on playback, so playback cannot import appstate)
package playback

import "github.com/chorusmesh/harmonia/internal/block"

// StatusSink is the subset of appstate.State a playback loop publishes
// into. *appstate.State satisfies this structurally; playback never
// imports that package directly.
type StatusSink interface {
	SetNowPlaying(id block.ID)
	SetProgress(done, total int)
}

// GroupController is the subset of group.Negotiator a playback loop drives
// for pre-roll and cleanup. *group.Negotiator satisfies this structurally.
type GroupController interface {
	Start(group string) error
	Stop()
}
