package notify

import (
	"fmt"
	"strings"

	"github.com/joao-fontenele/orderflow-dispatch/internal/domain"
)

const (
	RoomDeliveryPool = "delivery-pool"
	RoomAdmin        = "admin"

	orderRoomPrefix = "order-"
	userRoomPrefix  = "user-"
)

type RoomKind int

const (
	RoomKindOrder RoomKind = iota + 1
	RoomKindUser
	RoomKindDeliveryPool
	RoomKindAdmin
)

func OrderRoom(orderID string) string { return orderRoomPrefix + orderID }

func UserRoom(userID string) string { return userRoomPrefix + userID }

// ParseRoom splits a room name into its kind and, for order and user rooms,
// the referenced id.
func ParseRoom(room string) (RoomKind, string, error) {
	switch {
	case room == RoomDeliveryPool:
		return RoomKindDeliveryPool, "", nil
	case room == RoomAdmin:
		return RoomKindAdmin, "", nil
	case strings.HasPrefix(room, orderRoomPrefix) && len(room) > len(orderRoomPrefix):
		return RoomKindOrder, strings.TrimPrefix(room, orderRoomPrefix), nil
	case strings.HasPrefix(room, userRoomPrefix) && len(room) > len(userRoomPrefix):
		return RoomKindUser, strings.TrimPrefix(room, userRoomPrefix), nil
	}
	return 0, "", fmt.Errorf("%w: unknown room %q", domain.ErrInvalidInput, room)
}

// DefaultRooms are joined automatically when actor connects.
func DefaultRooms(actor domain.Actor) []string {
	rooms := []string{UserRoom(actor.ID)}
	if actor.Role == domain.RoleAdmin {
		rooms = append(rooms, RoomAdmin)
	}
	return rooms
}
