// Package chat bridges one platform's live chat into a room.
//
// A Session owns at most one upstream connection for a (room, platform) pair
// and walks the state machine Idle -> Connecting -> Live, falling back to
// Retrying on connectivity problems and to Failed when the credential is
// unusable or the retry schedule runs out. Every connection attempt reads the
// sealed token fresh from the TokenStore, decrypts it only for the duration of
// the attempt, and refreshes it once if the platform rejects it.
//
// Two upstream adapters are provided:
//   - TwitchUpstream: Helix identity probe plus an IRC client joined to the
//     token owner's own channel.
//   - YouTubeUpstream: Data API identity probe plus polling of the active
//     broadcast's live chat.
//
// Both map platform role flags into a BadgeSet at the adapter boundary; the
// rest of the package only sees ChatEvent.
package chat
