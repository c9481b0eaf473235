package wire

import "strconv"

// Opcode identifies the kind of one envelope.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

var opcodeNames = map[Opcode]string{
	OpDispatch:            "dispatch",
	OpHeartbeat:           "heartbeat",
	OpIdentify:            "identify",
	OpPresenceUpdate:      "presence_update",
	OpVoiceStateUpdate:    "voice_state_update",
	OpResume:              "resume",
	OpReconnect:           "reconnect",
	OpRequestGuildMembers: "request_guild_members",
	OpInvalidSession:      "invalid_session",
	OpHello:               "hello",
	OpHeartbeatAck:        "heartbeat_ack",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "opcode(" + strconv.Itoa(int(o)) + ")"
}

// Known reports whether o is part of the recognized opcode table.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}
