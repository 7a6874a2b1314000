// Package rpc defines the census call vocabulary and its wire encoding.
//
// # Calls
//
// A Call is one of three variants:
//
//	ByName{Name}                → {"Name":{"name":"rakin"}}
//	ByLocation{Location}        → {"Location":{"location":"Kansas City"}}
//	ByYear{Location, Year}      → {"Year":{"location":"Kansas City","year":2018}}
//
// The set is closed and compiled into every role. There is no runtime
// negotiation: an originator and a worker built from different variant sets
// reject each other's calls as malformed instead of silently coercing them.
// Dispatch sites implement Visitor so that a new variant is a compile error
// until every site handles it.
//
// # Datagram Limits
//
// An encoded call must fit in MaxCallSize (1024) bytes. Encode refuses
// larger calls with ErrTooLarge rather than truncating mid-field.
//
// # Replies
//
// A successful reply is a bare JSON object keyed by stringified record id:
//
//	{"1":{"record_id":1,"name":"rakin","location":"Kansas City","year":2018}}
//
// A failed request is answered with an error envelope:
//
//	{"error":{"kind":"peer_unreachable","message":"..."}}
//
// so that an originator can tell a failure from an empty result.
package rpc
