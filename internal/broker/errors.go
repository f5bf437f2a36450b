package broker

import "errors"

// ErrNotAuthenticated is returned when an operation requires a logged-in identity.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrAccessDenied is returned when a claimed identity is reserved.
var ErrAccessDenied = errors.New("access denied")

// ErrAlreadyLoggedIn is returned when a connection authenticates twice.
var ErrAlreadyLoggedIn = errors.New("already logged in")

// ErrAlreadyInRoom is returned when a connection joins a room it is in.
var ErrAlreadyInRoom = errors.New("already in room")

// ErrNotInRoom is returned when a room operation targets a room the
// connection has not joined.
var ErrNotInRoom = errors.New("not in room")

// ErrNoSuchRoom is returned when a room id is unknown.
var ErrNoSuchRoom = errors.New("no such room")

// ErrSchemaViolation is returned when an envelope is missing a required field.
var ErrSchemaViolation = errors.New("schema violation")

// ErrUnknownCommand is returned for unrecognised message types.
var ErrUnknownCommand = errors.New("unknown command")

// ErrUnknownConnection is returned when a connection handle is not registered.
var ErrUnknownConnection = errors.New("unknown connection")

// ErrNotPaired is returned for a game command without an active session.
var ErrNotPaired = errors.New("not paired")
