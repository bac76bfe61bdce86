package ws

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs from the wire package.
type OutgoingMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const (
	channelRoomPrefix = "channel:"
	userRoomPrefix    = "user:"
)

// ChannelRoom — имя комнаты канала; используется в логах и в ответах REST.
func ChannelRoom(key string) string { return channelRoomPrefix + key }

// UserRoom — персональная комната всех сокетов пользователя.
func UserRoom(userID string) string { return userRoomPrefix + userID }
