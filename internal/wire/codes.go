package wire

// Frame codes shared with the upstream IM services. The small negative and
// low positive values are control traffic; 1000+ are delivery codes whose
// payloads the gateway forwards without interpretation.
const (
	CodeError            int32 = -1
	CodeSuccess          int32 = 0
	CodeForceLogout      int32 = 104
	CodeRegister         int32 = 200
	CodeRegisterSuccess  int32 = 201
	CodeHeartBeat        int32 = 206
	CodeHeartBeatSuccess int32 = 207

	CodeSingleMessage    int32 = 1000
	CodeGroupMessage     int32 = 1001
	CodeVideoMessage     int32 = 1002
	CodeGroupOperation   int32 = 1005
	CodeMessageOperation int32 = 1006
)

// IsDelivery reports whether code identifies downstream traffic the gateway
// fans out verbatim (as opposed to the session control vocabulary).
func IsDelivery(code int32) bool {
	return code >= CodeSingleMessage
}
