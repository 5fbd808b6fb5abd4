package domain

// OpCode 是网关连接上双向使用的操作码，数值与现有客户端保持兼容。
type OpCode int

const (
	OpInvalidToken              OpCode = 0  // 服务端 -> 客户端
	OpGenerationFailure         OpCode = 1  // 服务端 -> 客户端
	OpHereIsYourEmailAndToken   OpCode = 2  // 服务端 -> 客户端
	OpStatisticsRequestResponse OpCode = 3  // 服务端 -> 客户端
	OpInvalidURI                OpCode = 4  // 服务端 -> 客户端
	OpResumeSuccess             OpCode = 5  // 服务端 -> 客户端
	OpEmailIncoming             OpCode = 6  // 服务端 -> 客户端
	OpDeleteSuccess             OpCode = 7  // 服务端 -> 客户端
	OpDeleteFailure             OpCode = 8  // 服务端 -> 客户端
	OpInvalidJSON               OpCode = 9  // 服务端 -> 客户端
	OpDeleteInbox               OpCode = 10 // 客户端 -> 服务端
	OpInvalidOpcode             OpCode = 11 // 服务端 -> 客户端
	OpVersion                   OpCode = 12 // 服务端 -> 客户端
	OpInboxExpired              OpCode = 13 // 服务端 -> 客户端
	OpInvalidKey                OpCode = 14 // 服务端 -> 客户端
)

var opNames = map[OpCode]string{
	OpInvalidToken:              "INVALID_TOKEN",
	OpGenerationFailure:         "GENERATION_FAILURE",
	OpHereIsYourEmailAndToken:   "HERE_IS_YOUR_EMAIL_AND_TOKEN",
	OpStatisticsRequestResponse: "STATISTICS_REQUEST_RESPONSE",
	OpInvalidURI:                "INVALID_URI",
	OpResumeSuccess:             "RESUME_SUCCESS",
	OpEmailIncoming:             "EMAIL_INCOMING",
	OpDeleteSuccess:             "DELETE_SUCCESS",
	OpDeleteFailure:             "DELETE_FAILURE",
	OpInvalidJSON:               "INVALID_JSON",
	OpDeleteInbox:               "DELETE_INBOX",
	OpInvalidOpcode:             "INVALID_OPCODE",
	OpVersion:                   "VERSION",
	OpInboxExpired:              "INBOX_EXPIRED",
	OpInvalidKey:                "INVALID_KEY",
}

// String 返回操作码的协议名称，用于日志与指标标签
func (o OpCode) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}
