package server

import "github.com/npezzotti/go-dmchat/internal/stats"

// sendToRoom queues msg for every connection in room except skip and returns
// how many connections accepted it. Membership is read as a snapshot; a full
// send queue drops the message for that connection only.
func (cs *ChatServer) sendToRoom(room string, msg *ServerMessage, skip string) int {
	delivered := 0
	for _, id := range cs.rooms.Members(room) {
		if id == skip {
			continue
		}

		c, ok := cs.getClient(id)
		if !ok {
			continue
		}

		if c.queueMessage(msg) {
			delivered++
			cs.stats.Incr(stats.NumRelayedMessages)
		} else {
			cs.stats.Incr(stats.NumDroppedMessages)
		}
	}

	return delivered
}

// broadcastPresence sends the current online set to every connection,
// identified or not.
func (cs *ChatServer) broadcastPresence() {
	msg := OnlineUsers(cs.presence.ListOnline())
	for _, c := range cs.getClients() {
		if !c.queueMessage(msg) {
			cs.stats.Incr(stats.NumDroppedMessages)
		}
	}
}
