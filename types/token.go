package types

// AtlysToken describes the native token of the bridge network.
type AtlysToken struct {
	Symbol        string
	DecimalPlaces uint8
	TotalSupply   uint64 // in whole tokens
}

// NativeToken is the default token moved by the bridge.
var NativeToken = AtlysToken{
	Symbol:        "ATLYS",
	DecimalPlaces: 18,
	TotalSupply:   100_000_000,
}
