package deribit

import "encoding/json"

// rpcRequest is one JSON-RPC 2.0 request frame.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is the error member of a JSON-RPC response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcFrame is an incoming frame: either a response (ID + Result/Error) or a
// subscription notification (Method == "subscription").
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	Method  string          `json:"method"`
	Params  struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

// authResult is the payload of public/auth.
type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// orderPayload mirrors the order object Deribit returns from buy/sell/cancel.
type orderPayload struct {
	OrderID      string  `json:"order_id"`
	OrderState   string  `json:"order_state"`
	AveragePrice float64 `json:"average_price"`
	FilledAmount float64 `json:"filled_amount"`
	Instrument   string  `json:"instrument_name"`
	Direction    string  `json:"direction"`
	OrderType    string  `json:"order_type"`
	Amount       float64 `json:"amount"`
	Price        float64 `json:"price"`
	TriggerPrice float64 `json:"trigger_price"`
	ReduceOnly   bool    `json:"reduce_only"`
	Label        string  `json:"label"`
}

// placeResult is the payload of private/buy and private/sell.
type placeResult struct {
	Order orderPayload `json:"order"`
}

// positionPayload mirrors private/get_positions entries.
type positionPayload struct {
	Instrument   string  `json:"instrument_name"`
	Size         float64 `json:"size"`
	AveragePrice float64 `json:"average_price"`
	MarkPrice    float64 `json:"mark_price"`
}

// instrumentPayload mirrors public/get_instrument.
type instrumentPayload struct {
	Instrument     string  `json:"instrument_name"`
	QuoteCurrency  string  `json:"quote_currency"`
	TickSize       float64 `json:"tick_size"`
	MinTradeAmount float64 `json:"min_trade_amount"`
	ContractSize   float64 `json:"contract_size"`
}

// tickerPayload mirrors ticker.{instrument}.{interval} notifications.
type tickerPayload struct {
	Instrument string  `json:"instrument_name"`
	LastPrice  float64 `json:"last_price"`
	MarkPrice  float64 `json:"mark_price"`
	Timestamp  int64   `json:"timestamp"`
}

// otocoChild is one entry of the otoco_config attachment on buy/sell.
type otocoChild struct {
	Amount       float64 `json:"amount"`
	Direction    string  `json:"direction"`
	Type         string  `json:"type"`
	Price        float64 `json:"price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	Trigger      string  `json:"trigger,omitempty"`
	ReduceOnly   bool    `json:"reduce_only"`
	Label        string  `json:"label,omitempty"`
}
