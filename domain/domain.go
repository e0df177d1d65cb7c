package domain

import (
	"fmt"
	"sort"
)

type UserID string

type GroupID string

// RoomKey names a fan-out group. Private keys embed the sorted pair so both
// participants compute the same key. Ids are length-prefixed so distinct
// pairs never share a key.
type RoomKey string

type RoomType string

const (
	RoomPrivate RoomType = "private"
	RoomGroup   RoomType = "group"
)

func (t RoomType) Valid() bool {
	return t == RoomPrivate || t == RoomGroup
}

func PrivateRoom(a, b UserID) RoomKey {
	pair := []string{string(a), string(b)}
	sort.Strings(pair)
	return RoomKey(fmt.Sprintf("private_%d:%s_%d:%s", len(pair[0]), pair[0], len(pair[1]), pair[1]))
}

func GroupRoom(id GroupID) RoomKey {
	return RoomKey("group_" + string(id))
}

// ResolveRoom maps a client supplied (roomType, roomId) pair to a key. For
// private rooms roomId is the peer's identity.
func ResolveRoom(roomType RoomType, roomID string, self UserID) (RoomKey, error) {
	if roomID == "" {
		return "", ValidationError("roomId is required")
	}
	switch roomType {
	case RoomPrivate:
		return PrivateRoom(self, UserID(roomID)), nil
	case RoomGroup:
		return GroupRoom(GroupID(roomID)), nil
	default:
		return "", ValidationError("roomType must be private or group")
	}
}

type Connection interface {
	ID() string
	UserID() UserID
	Send(data []byte) error
	Close() error
}

type MessageHandler interface {
	Handle(conn Connection, data []byte)
	Disconnect(conn Connection)
}
