package eth

// Default network: Mantle Sepolia testnet, where the SureBet ledger is deployed.
const (
	DefaultChainID = 5003
	DefaultRPCURL  = "https://rpc.sepolia.mantle.xyz/"

	// NativeSymbol is the ticker of the chain's native currency.
	NativeSymbol = "MNT"

	// NativeDecimals is the number of fractional digits of one native unit.
	NativeDecimals = 18
)
