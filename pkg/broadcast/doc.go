/*
Package broadcast fans live state changes out to WebSocket subscribers.
Every subscriber owns a bounded queue; a full queue drops the message
for that subscriber only and flags it as having missed events, so a
slow client never blocks publishers or starves other clients.
*/
package broadcast
