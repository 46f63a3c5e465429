// Package papachu implements Papa Chu, a Discord bot that reposts
// anonymous confessions to a configured channel.
//
// A member submits a confession privately (/confess, or /confess_long for
// a modal with room for several paragraphs). The bot acknowledges it
// ephemerally and posts it to the confession channel as an embed titled
// "Anonymous Confession (#N)", where N comes from a persisted counter.
// Users mentioned in the confession can optionally be tagged above it.
//
// Components:
//
//   - Bot: Wires everything together and runs the discord session.
//   - SequenceCounter: Hands out confession numbers, starting at 0.
//   - ChannelRegistry: Stores the channel confessions are sent to, set
//     with /set_channel (Manage Server only).
//   - ConfessionFormatter: Renders a Submission into a ConfessionMessage.
//   - StateStore: Persists the counter and channel, to text files, SQLite,
//     Postgres or an embedded key/value store.
//   - API: Optional admin HTTP API for inspecting and changing state.
//   - DiscordWebhookServer: Optional endpoint for receiving interactions
//     over HTTP instead of the gateway.
package papachu
