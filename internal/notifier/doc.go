// Package notifier delivers an item to an ordered list of destinations.
//
// Delivery stops at the first destination that accepts the item. A failing
// destination is logged and skipped; its error never escapes Deliver. The
// caller learns the outcome from Result and must only advance its persisted
// cursor when Result.Delivered is true.
//
// # Destinations
//
// Destinations are a closed set of kinds chosen by an explicit tag in the
// config:
//   - channel: a chat on the chat platform (see transport.Adapter). Threaded
//     chats get a new thread per item; plain chats get a formatted message.
//   - webhook: an HTTP callback receiving an embed-style JSON payload.
//
// # History
//
// For operator visibility (/status) the service keeps a small in-memory
// history of recent deliveries.
package notifier
