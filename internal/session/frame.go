package session

import (
	"encoding/json"
	"fmt"

	"exploding/gateway/internal/domain"
)

// 出站帧结构，字段名与现有客户端兼容

type versionFrame struct {
	Op      domain.OpCode `json:"op"`
	Version string        `json:"version"`
}

type statsFrame struct {
	Op         domain.OpCode `json:"op"`
	Statistics domain.Stats  `json:"statistics"`
}

type newInboxFrame struct {
	Op      domain.OpCode `json:"op"`
	Email   string        `json:"email"`
	Token   string        `json:"token"`
	Expires int64         `json:"expires"`
}

type resumeFrame struct {
	Op      domain.OpCode `json:"op"`
	Email   string        `json:"email"`
	Expires int64         `json:"expires"`
}

type emailFrame struct {
	Op   domain.OpCode `json:"op"`
	Type string        `json:"type"`
	Data domain.Email  `json:"data"`
}

type terminateFrame struct {
	Op         domain.OpCode `json:"op"`
	Error      string        `json:"error"`
	Terminated bool          `json:"terminated"`
}

type closeFrame struct {
	Op         domain.OpCode `json:"op"`
	Message    string        `json:"message"`
	Terminated bool          `json:"terminated"`
}

// Request 是解码后的客户端请求，每种客户端操作码对应一个具体类型
type Request interface {
	Op() domain.OpCode
}

// DeleteInbox 客户端请求删除当前邮箱
type DeleteInbox struct {
	Token string
}

// Op 实现 Request
func (DeleteInbox) Op() domain.OpCode { return domain.OpDeleteInbox }

// Handler 处理客户端请求，每个客户端操作码一个方法
type Handler interface {
	HandleDeleteInbox(s *Session, req DeleteInbox)
}

// ProtocolError 表示入站帧无法被接受，Code 是终止连接时使用的操作码
type ProtocolError struct {
	Code   domain.OpCode
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

var (
	errInvalidJSON   = &ProtocolError{Code: domain.OpInvalidJSON, Reason: "Invalid JSON"}
	errInvalidOpcode = &ProtocolError{Code: domain.OpInvalidOpcode, Reason: "Invalid opcode"}
	errMissingToken  = &ProtocolError{Code: domain.OpInvalidToken, Reason: "No token specified"}
)

// Decode 解析一帧客户端 JSON 文本
//
// 返回值:
//   - Request: 成功时为具体请求类型
//   - error: 失败时为 *ProtocolError
func Decode(data []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, errInvalidJSON
	}

	rawOp, ok := fields["op"]
	if !ok {
		return nil, errInvalidOpcode
	}
	var op int
	if err := json.Unmarshal(rawOp, &op); err != nil {
		return nil, errInvalidOpcode
	}

	switch domain.OpCode(op) {
	case domain.OpDeleteInbox:
		rawToken, ok := fields["token"]
		if !ok {
			return nil, errMissingToken
		}
		var token string
		if err := json.Unmarshal(rawToken, &token); err != nil || token == "" {
			return nil, errMissingToken
		}
		return DeleteInbox{Token: token}, nil
	default:
		return nil, errInvalidOpcode
	}
}

// dispatch 将请求交给对应的处理方法
func dispatch(h Handler, s *Session, req Request) {
	switch r := req.(type) {
	case DeleteInbox:
		h.HandleDeleteInbox(s, r)
	}
}
