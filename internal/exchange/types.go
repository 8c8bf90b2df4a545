package exchange

// 指令类型
const (
	CmdInsertOrder = "INSERT_ORDER"
	CmdCancelOrder = "CANCEL_ORDER"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
)

// 应答类型
const (
	ReplyOrderAck = "RTN_ORDER"
	ReplyError    = "ERR_ORDER"
)

// Command Go 发往执行网关的统一指令
type Command struct {
	Type      string      `json:"Type"`      // 大写，如 INSERT_ORDER
	RequestID string      `json:"RequestID"` // 网关据此回写 exec_reply:<RequestID>
	Payload   interface{} `json:"Payload"`
}

// Reply 网关对单个指令的应答
type Reply struct {
	Type      string  `json:"Type"`
	RequestID string  `json:"RequestID"`
	OrderID   string  `json:"OrderID"`
	Status    string  `json:"Status"`
	FilledQty float64 `json:"FilledQty"`
	AvgPrice  float64 `json:"AvgPrice"`
	ErrorMsg  string  `json:"ErrorMsg,omitempty"`
}
