package session

import "github.com/danmuck/gatectl/internal/gateway/wire"

// Command is the closed set of outbound requests a caller may send on a
// connected session.
type Command interface {
	Opcode() wire.Opcode
	isCommand()
}

type PresenceCommand struct {
	Presence wire.PresenceUpdate
}

type VoiceStateCommand struct {
	State wire.VoiceStateUpdate
}

type MembersCommand struct {
	Request wire.RequestGuildMembers
}

// ResumeCommand asks the runner to drop the transport and resume the session.
type ResumeCommand struct{}

func (PresenceCommand) Opcode() wire.Opcode   { return wire.OpPresenceUpdate }
func (VoiceStateCommand) Opcode() wire.Opcode { return wire.OpVoiceStateUpdate }
func (MembersCommand) Opcode() wire.Opcode    { return wire.OpRequestGuildMembers }
func (ResumeCommand) Opcode() wire.Opcode     { return wire.OpResume }

func (PresenceCommand) isCommand()   {}
func (VoiceStateCommand) isCommand() {}
func (MembersCommand) isCommand()    {}
func (ResumeCommand) isCommand()     {}

func commandPayload(cmd Command) any {
	switch c := cmd.(type) {
	case PresenceCommand:
		return c.Presence
	case *PresenceCommand:
		return c.Presence
	case VoiceStateCommand:
		return c.State
	case *VoiceStateCommand:
		return c.State
	case MembersCommand:
		return c.Request
	case *MembersCommand:
		return c.Request
	default:
		return nil
	}
}
