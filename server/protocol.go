package server

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"

	"roomrelay"
)

// RejoinPrefix starts a switch-room control message, e.g. "REJOIN_2".
const RejoinPrefix = "REJOIN_"

var (
	ErrInvalidRoom    = errors.New("invalid room")
	ErrRoomOutOfRange = errors.New("room out of range")
)

// ParseRoom parses a decimal room identifier. Trailing NUL bytes and
// surrounding whitespace are ignored so that netcat style clients which
// append a newline can join.
func ParseRoom(p []byte) (roomrelay.RoomID, error) {
	s := string(bytes.TrimSpace(bytes.TrimRight(p, "\x00")))
	n, err := strconv.Atoi(s)
	if err != nil {
		return roomrelay.Unassigned, errors.Wrapf(ErrInvalidRoom, "%q", s)
	}
	id := roomrelay.RoomID(n)
	if id == roomrelay.Unassigned {
		return roomrelay.Unassigned, errors.Wrapf(ErrInvalidRoom, "%q is reserved", s)
	}
	return id, nil
}

// ParseRejoin reports whether p is a switch-room message and, if so, the
// requested room. The range is checked by the caller.
func ParseRejoin(p []byte) (room roomrelay.RoomID, isRejoin bool, err error) {
	if !bytes.HasPrefix(p, []byte(RejoinPrefix)) {
		return roomrelay.Unassigned, false, nil
	}
	room, err = ParseRoom(p[len(RejoinPrefix):])
	return room, true, err
}
