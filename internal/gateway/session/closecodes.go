package session

// Close codes sent by the remote side when it terminates a connection.
const (
	CloseNormal               = 1000
	CloseGoingAway            = 1001
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014

	// CloseResumable is sent by the client when it closes on purpose and intends to
	// resume; 1000 and 1001 would invalidate the session remotely.
	CloseResumable = 4900
)

type closeClass int

const (
	closeResume closeClass = iota
	closeFreshIdentify
	closeFatalAuth
	closeFatalConfig
)

func classifyClose(code int) closeClass {
	switch code {
	case CloseAuthenticationFailed:
		return closeFatalAuth
	case CloseInvalidShard, CloseShardingRequired, CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return closeFatalConfig
	case CloseInvalidSeq, CloseSessionTimedOut:
		return closeFreshIdentify
	default:
		return closeResume
	}
}
