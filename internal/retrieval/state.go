package retrieval

// ConnState 客户端连接状态。
// 流转：Disconnected → Connecting → Connected；
// 连接预算耗尽进入Degraded，下一次成功的心跳回到Connected。
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

// String 返回状态名称
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}
