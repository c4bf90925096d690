package connectors

import "fmt"

// phemexErrorCodes maps Phemex bizError codes to human-readable messages.
var phemexErrorCodes = map[int]string{
	11001: "TE_SUCCESS",
	11002: "TE_UNKNOWN_ERROR",
	11003: "TE_INVALID_ARGUMENT",
	11005: "TE_MAINTENANCE_MODE",
	11011: "TE_REDUCE_ONLY_ABORT",
	11012: "TE_REPLACE_TO_INVALID_QTY",
	11013: "TE_REPLACE_TO_INVALID_PRICE",
	11014: "TE_REPLACE_TO_INVALID_LEVERAGE",
	11015: "TE_PRICE_TOO_SMALL",
	11016: "TE_PRICE_TOO_LARGE",
	11017: "TE_QTY_TOO_SMALL",
	11018: "TE_QTY_TOO_LARGE",
	11019: "TE_VALUE_TOO_SMALL",
	11020: "TE_VALUE_TOO_LARGE",
	11022: "TE_STOP_PRICE_INVALID",
	11040: "TE_MARGIN_ACCOUNT_NOT_EXIST",
	11041: "TE_MARGIN_ACCOUNT_FROZEN",
	11050: "TE_RISK_LIMIT_EXCEEDED",
	11051: "TE_INSUFFICIENT_BALANCE",
	11052: "TE_INSUFFICIENT_MARGIN",
	11062: "TE_POSITION_NOT_EXIST",
	11063: "TE_TPSL_TOO_SMALL",
	11064: "TE_TPSL_TOO_LARGE",
	11065: "TE_TPSL_INVALID_TYPE",
	11066: "TE_ORDER_UNSUPPORTED",
	11070: "TE_MARKET_CLOSED",
	11081: "TE_CLIENT_ID_EXIST",
	11082: "TE_CLIENT_ID_INVALID",
	11100: "TE_TOO_MANY_ORDERS",
	11120: "TE_CONTRACT_NOT_FOUND",
	11121: "TE_CONTRACT_NOT_ALLOWED",
}

// phemexErrorMsg returns a readable message for a Phemex bizError code.
func phemexErrorMsg(code int) string {
	if msg, ok := phemexErrorCodes[code]; ok {
		return msg
	}
	return fmt.Sprintf("UNKNOWN_PHEMEX_ERROR_%d", code)
}

// phemexErrorKind buckets a bizError code into the adapter error taxonomy.
func phemexErrorKind(code int) ErrorKind {
	switch code {
	case 11051, 11052:
		return KindInsufficientBalance
	case 11100, 11101, 11102:
		return KindRateLimited
	case 11120, 11121:
		return KindSymbolUnknown
	case 11005:
		return KindConnectivity
	case 11002:
		return KindUnknown
	}
	return KindRejected
}

// binanceErrorKind buckets a Binance API error code (negative integers) into
// the adapter taxonomy.
func binanceErrorKind(code int) ErrorKind {
	switch code {
	case -1003, -1015:
		return KindRateLimited
	case -2010:
		return KindInsufficientBalance
	case -1121:
		return KindSymbolUnknown
	case -1001:
		return KindConnectivity
	}
	return KindRejected
}
